package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	if err := json.Unmarshal(b, msg); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	if msg.SyncLog != nil {
		if err := msg.SyncLog.Validate(); err != nil {
			return fmt.Errorf("embedded sync log: %w", err)
		}
	}
	return nil
}
