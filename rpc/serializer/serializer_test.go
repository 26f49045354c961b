package serializer

import (
	"strings"
	"testing"

	"github.com/ValentinKolb/dSync/lib/keychain"
	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/ValentinKolb/dSync/lib/synclog"
	"github.com/ValentinKolb/dSync/rpc/common"
)

func TestSerializeRequest(t *testing.T) {
	s := NewJSONSerializer()

	update := keychain.Update{
		Set:    []keychain.ValueToSet{{Key: "r1", Type: resource.TypeRoomKey, Value: "c2VjcmV0", Encrypted: true}},
		Remove: []keychain.ValueToRemove{{Key: "r2", Type: resource.TypeRoomKey}},
	}
	data, err := s.Serialize(*common.NewKeychainUpdateRequest(update))
	if err != nil {
		t.Fatalf("Failed to serialize: %v", err)
	}

	for _, want := range []string{`"msg_type":"keychain_update"`, `"type":"room_key"`, `"encrypted":true`, `"remove":[`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("Serialized request %s does not contain %s", data, want)
		}
	}
	if strings.Contains(string(data), "sync_log") {
		t.Errorf("Request must not carry a sync log: %s", data)
	}
}

func TestDeserializeEmbeddedSyncLog(t *testing.T) {
	s := NewJSONSerializer()
	raw := `{
		"msg_type": "custom",
		"ok": true,
		"meta": {"message_id": "m1"},
		"sync_log": {"type": "incremental", "log": [
			{"kind": "room", "action": "remove", "resource_id": "r1", "timestamp": 17}
		]}
	}`

	var msg common.Message
	if err := s.Deserialize([]byte(raw), &msg); err != nil {
		t.Fatalf("Failed to deserialize: %v", err)
	}
	if msg.MsgType != common.MsgTCustom || !msg.Ok {
		t.Errorf("Unexpected header: %s ok=%t", msg.MsgType, msg.Ok)
	}
	if string(msg.Meta) != `{"message_id": "m1"}` {
		t.Errorf("Meta = %s", msg.Meta)
	}
	if msg.SyncLog == nil || msg.SyncLog.Type != synclog.LogIncremental || len(msg.SyncLog.Log) != 1 {
		t.Fatalf("Sync log not decoded: %+v", msg.SyncLog)
	}
	if e := msg.SyncLog.Log[0]; e.Action != synclog.ActionRemove || e.ResourceID != "r1" || e.Timestamp != 17 {
		t.Errorf("Unexpected entry %s", e)
	}
}

func TestDeserializeErrors(t *testing.T) {
	s := NewJSONSerializer()
	cases := map[string]string{
		"invalid json":      `{"msg_type":`,
		"unknown type":      `{"msg_type":"teleport"}`,
		"invalid log type":  `{"msg_type":"ping","sync_log":{"type":"partial","log":[]}}`,
		"numeric type code": `{"msg_type":3}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var msg common.Message
			if err := s.Deserialize([]byte(raw), &msg); err == nil {
				t.Errorf("Expected an error for %s", raw)
			}
		})
	}
}
