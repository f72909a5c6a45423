package peerserver

import (
	"encoding/json"

	"giro/internal/protocol"
)

type scannedEvent struct {
	Code        string `json:"code"`
	DeviceID    string `json:"device_id,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	Found       bool   `json:"found"`
}

// handleLegacy serves frames from older scanner apps. Scanners never
// authenticate; a barcode is looked up and relayed to the desktop clients.
func (s *Server) handleLegacy(c *conn, frame []byte) bool {
	var msg protocol.ScannerMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.reply(protocol.ScannerError("malformed scanner frame"))
		return true
	}

	switch msg.Type {
	case protocol.ScannerBarcode:
		if msg.Code == "" {
			c.reply(protocol.ScannerError("empty barcode"))
			return true
		}
		var name string
		e, err := s.findProductByBarcode(c.ctx, msg.Code)
		if err != nil {
			s.logger.Error("barcode lookup failed", "code", msg.Code, "error", err)
		}
		if e != nil {
			if p, ok := decodeProduct(*e); ok {
				name = p.Name
			}
		}
		found := e != nil
		c.reply(protocol.Ack(msg.Code, name, found))
		s.logger.Debug("barcode scanned", "code", msg.Code, "found", found, "conn", c.info.ID)

		data, _ := json.Marshal(scannedEvent{
			Code:        msg.Code,
			DeviceID:    c.snapshot().DeviceID,
			ProductName: name,
			Found:       found,
		})
		s.broadcast(protocol.EventScannerBarcode, data)
	case protocol.ScannerPing:
		c.reply(protocol.Pong())
	case protocol.ScannerRegister:
		c.markScanner(msg.DeviceID)
		s.logger.Info("scanner registered", "conn", c.info.ID, "device_id", msg.DeviceID, "name", msg.DeviceName)
		c.reply(protocol.Connected(c.info.ID))
	case protocol.ScannerDisconnect:
		return false
	default:
		c.reply(protocol.ScannerError("unknown scanner message type: " + msg.Type))
	}
	return true
}
