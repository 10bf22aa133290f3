package server

import (
	"github.com/gridcast-dev/gridcast/internal/relay"
)

// wsMessage is the JSON shape sent to watch clients. Frames travel as
// whole-grid strings; the client re-wraps them using the announced width.
type wsMessage struct {
	Kind     relay.MessageKind `json:"kind"`
	Identity string            `json:"identity"`
	Info     *relay.StreamInfo `json:"info,omitempty"`
	Sequence uint64            `json:"sequence,omitempty"`
	Keyframe bool              `json:"keyframe,omitempty"`
	Frames   []wsFrame         `json:"frames,omitempty"`
}

type wsFrame struct {
	Timestamp uint32 `json:"ts"`
	Cells     string `json:"cells"`
}

func toWireMessage(msg relay.Message) wsMessage {
	out := wsMessage{
		Kind:     msg.Kind,
		Identity: string(msg.Identity),
		Info:     msg.Info,
	}
	if msg.Batch != nil {
		out.Sequence = msg.Batch.Sequence
		out.Keyframe = msg.Batch.Keyframe
		out.Frames = make([]wsFrame, len(msg.Batch.Frames))
		for i, f := range msg.Batch.Frames {
			out.Frames[i] = wsFrame{Timestamp: f.Timestamp, Cells: string(f.Cells)}
		}
	}
	return out
}
