package protocol

// Legacy scanner frame types.
const (
	ScannerBarcode    = "barcode"
	ScannerPing       = "ping"
	ScannerRegister   = "register"
	ScannerDisconnect = "disconnect"
)

// ScannerMessage is a frame sent by older mobile scanner apps.
type ScannerMessage struct {
	Type       string `json:"type"`
	Code       string `json:"code,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
}

// ScannerReply is the server's answer to a legacy frame. Only the fields
// relevant to Type are set.
type ScannerReply struct {
	Type        string `json:"type"`
	Code        string `json:"code,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	Found       *bool  `json:"found,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Message     string `json:"message,omitempty"`
}

func Ack(code, productName string, found bool) ScannerReply {
	return ScannerReply{Type: "ack", Code: code, ProductName: productName, Found: &found}
}

func Pong() ScannerReply { return ScannerReply{Type: "pong"} }

func Connected(sessionID string) ScannerReply {
	return ScannerReply{Type: "connected", SessionID: sessionID}
}

func ScannerError(msg string) ScannerReply {
	return ScannerReply{Type: "error", Message: msg}
}
