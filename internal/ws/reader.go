package ws

import (
	"errors"

	"github.com/gorilla/websocket"
)

// CloseInfo describes how a transport handle ended
type CloseInfo struct {
	Code   int
	Reason string
}

// Reader pumps frames from a Conn into callbacks until the connection ends.
type Reader struct {
	conn    Conn
	onFrame func([]byte)    // Every data frame, in arrival order
	onError func(error)     // Transport failures that were not a close frame
	onClose func(CloseInfo) // Exactly once, last
}

// NewReader creates a new Reader instance. Any callback may be nil.
func NewReader(conn Conn, onFrame func([]byte), onError func(error), onClose func(CloseInfo)) *Reader {
	return &Reader{
		conn:    conn,
		onFrame: onFrame,
		onError: onError,
		onClose: onClose,
	}
}

// Run reads until the connection fails. A received close frame is reported
// through onClose with the peer's code; any other failure is reported
// through onError followed by onClose with CloseAbnormalClosure, which is
// also what gorilla reports for a socket dropped without a close frame.
func (r *Reader) Run() {
	for {
		data, err := r.conn.ReadMessage()
		if err != nil {
			info := CloseInfoFromError(err)
			if info.Code == CloseAbnormalClosure && r.onError != nil {
				r.onError(err)
			}
			if r.onClose != nil {
				r.onClose(info)
			}
			return
		}
		if r.onFrame != nil {
			r.onFrame(data)
		}
	}
}

// CloseInfoFromError extracts the close code from a read error. Errors that
// are not a close frame map to 1006 as browsers do.
func CloseInfoFromError(err error) CloseInfo {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return CloseInfo{Code: ce.Code, Reason: ce.Text}
	}
	return CloseInfo{Code: CloseAbnormalClosure}
}

// DescribeClose returns a human readable text for a close code.
func DescribeClose(info CloseInfo) string {
	var text string
	switch info.Code {
	case CloseNormalClosure:
		text = "closed by client"
	case CloseGoingAway:
		text = "server going away"
	case CloseAbnormalClosure:
		text = "connection lost"
	case CloseAuthFailed:
		text = "authentication failed"
	case CloseMissingToken:
		text = "missing access token"
	case CloseInvalidToken:
		text = "invalid access token"
	case CloseBadToken:
		text = "malformed access token"
	case CloseBotNotFound:
		text = "bot not found or access denied"
	default:
		text = "connection closed"
	}
	if info.Reason != "" {
		return text + ": " + info.Reason + " (code " + itoa(info.Code) + ")"
	}
	return text + " (code " + itoa(info.Code) + ")"
}
