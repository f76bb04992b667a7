package websh

import "encoding/json"

// outboundFrame is one command submission on the wire. The token is locally
// generated and unique per channel; the remote side echoes it on every
// related output frame.
type outboundFrame struct {
	Token   string `json:"token"`
	Command string `json:"command"`
}

// inboundFrame is one output chunk from the remote side. Final frames carry
// the exit status; intermediate ones only data.
type inboundFrame struct {
	Token      string `json:"token"`
	Data       string `json:"data"`
	Final      bool   `json:"final"`
	ExitStatus *int   `json:"exit_status"`
}

func encodeFrame(f outboundFrame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(data []byte) (inboundFrame, error) {
	var f inboundFrame
	err := json.Unmarshal(data, &f)
	return f, err
}
