package persistence

import (
	"encoding/json"

	"github.com/mlinna/virta/pkg/api"
)

// Instances are serialized as JSON documents. The instance context is
// JSON-encodable by contract (see api.Context), so no gob-style type
// registration is needed.

func encodeInstance(inst *api.Instance) ([]byte, error) {
	return json.Marshal(inst)
}

func decodeInstance(data []byte) (*api.Instance, error) {
	var inst api.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, err
	}
	if inst.Context == nil {
		inst.Context = api.Context{}
	}
	return &inst, nil
}
