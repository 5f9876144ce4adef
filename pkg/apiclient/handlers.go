package apiclient

import (
	"github.com/mon-mesh/pkg/registry"
)

func init() {
	registry.Register("log", "SetLogPosition", setLogPositionHandler)
}

// setLogPositionHandler records how far the calling peer has durably
// applied our log. The update is monotonic: stale or reordered claims
// are silent no-ops.
func setLogPositionHandler(origin *registry.Origin, params map[string]interface{}) (interface{}, error) {
	if params == nil {
		return nil, nil
	}

	logPosition, ok := params["log_position"].(float64)
	if !ok {
		return nil, nil
	}

	endpoint := origin.FromClient.Endpoint()
	if endpoint == nil {
		return nil, nil
	}

	endpoint.SetLocalLogPosition(logPosition)
	return nil, nil
}
