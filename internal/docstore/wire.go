package docstore

// wireMsg is the single frame type exchanged on the store websocket, in both
// directions. Requests carry an ID the ack echoes back; snapshot pushes carry
// the subscription id instead.
type wireMsg struct {
	ID     string `json:"id,omitempty"`
	Op     string `json:"op,omitempty"` // create|merge|read|sub|unsub|ack|snap
	Path   string `json:"path,omitempty"`
	Sub    string `json:"sub,omitempty"`
	Value  Value  `json:"value,omitempty"`
	Exists bool   `json:"exists,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	opCreate = "create"
	opMerge  = "merge"
	opRead   = "read"
	opSub    = "sub"
	opUnsub  = "unsub"
	opAck    = "ack"
	opSnap   = "snap"
)
