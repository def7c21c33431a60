package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/lattice-systems/enclavecore/internal/defs"
	"github.com/lattice-systems/enclavecore/internal/enclave"
)

// createPayload, addPagePayload, initPayload and setAttrPayload are the
// JSON bodies carried by each defs.Command frame. Kept gob-free and
// length-prefixed per SPEC_FULL.md §6: a thin adapter, not a general RPC
// layer.
type createPayload struct {
	ID           string `json:"id"`
	Base         uint64 `json:"base"`
	Size         uint64 `json:"size"`
	Attributes   uint64 `json:"attributes"`
	Xfrm         uint64 `json:"xfrm"`
	SSAFrameSize uint32 `json:"ssa_frame_size"`
}

type addPagePayload struct {
	ID          string `json:"id"`
	VA          uint64 `json:"va"`
	Data        []byte `json:"data"`
	PageType    uint8  `json:"page_type"`
	InfoFlags   uint8  `json:"info_flags"`
	SSAFrameOff uint32 `json:"ssa_frame_off"`
	FSOffset    uint64 `json:"fs_offset"`
	GSOffset    uint64 `json:"gs_offset"`
	FSLimit     uint32 `json:"fs_limit"`
	GSLimit     uint32 `json:"gs_limit"`
	MeasureMask uint16 `json:"measure_mask"`
}

type initPayload struct {
	ID         string `json:"id"`
	Modulus    []byte `json:"modulus"`
	Attributes uint64 `json:"attributes"`
	Token      []byte `json:"token"`
}

type setAttrPayload struct {
	ID   string `json:"id"`
	Attr uint64 `json:"attr"`
}

type response struct {
	Err int32 `json:"err"`
}

// frame is one request: a command byte, a big-endian uint32 length, and
// that many bytes of JSON payload. The response is the mirror shape: a
// uint32 length followed by a JSON response body.
func readFrame(r io.Reader) (defs.Command, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	cmd := defs.Command(header[0])
	n := binary.BigEndian.Uint32(header[1:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return cmd, body, nil
}

func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// dispatch runs the accept loop on the daemon's Unix-domain socket,
// translating one frame per connection into a call on m. One connection
// per request keeps the adapter stateless, matching the "thin adapter
// only" scope note in SPEC_FULL.md §1.
func dispatch(ctx context.Context, ln net.Listener, m *manager) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Error().Err(err).Msg("accept failed")
				continue
			}
		}
		go serveConn(ctx, conn, m)
	}
}

func serveConn(ctx context.Context, conn net.Conn, m *manager) {
	defer conn.Close()
	cmd, body, err := readFrame(conn)
	if err != nil {
		return
	}

	errt := handle(ctx, m, cmd, body)
	out, _ := json.Marshal(response{Err: int32(errt)})
	if werr := writeFrame(conn, out); werr != nil {
		log.Error().Err(werr).Str("command", cmd.String()).Msg("write response failed")
	}
}

func handle(ctx context.Context, m *manager, cmd defs.Command, body []byte) defs.Err_t {
	switch cmd {
	case defs.CmdCreate:
		var p createPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return defs.EINVAL
		}
		_, errt := m.create(ctx, p.ID, enclave.SecsArgs{
			Base:         uintptr(p.Base),
			Size:         uintptr(p.Size),
			Attributes:   p.Attributes,
			Xfrm:         p.Xfrm,
			SSAFrameSize: p.SSAFrameSize,
		})
		return errt

	case defs.CmdAddPage:
		var p addPagePayload
		if err := json.Unmarshal(body, &p); err != nil {
			return defs.EINVAL
		}
		e, ok := m.get(p.ID)
		if !ok {
			return defs.EINVAL
		}
		info := enclave.SecInfo{
			PageType:    p.PageType,
			Flags:       p.InfoFlags,
			SSAFrameOff: p.SSAFrameOff,
			FSOffset:    p.FSOffset,
			GSOffset:    p.GSOffset,
			FSLimit:     p.FSLimit,
			GSLimit:     p.GSLimit,
		}
		return e.AddPage(uintptr(p.VA), p.Data, info, p.MeasureMask)

	case defs.CmdInit:
		var p initPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return defs.EINVAL
		}
		e, ok := m.get(p.ID)
		if !ok {
			return defs.EINVAL
		}
		var sig enclave.SigStruct
		copy(sig.Modulus[:], p.Modulus)
		sig.Attributes = p.Attributes
		return e.Init(ctx, sig, p.Token, enclave.Sha256Hasher{}, m.prims)

	case defs.CmdSetAttribute:
		var p setAttrPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return defs.EINVAL
		}
		e, ok := m.get(p.ID)
		if !ok {
			return defs.EINVAL
		}
		e.SetAllowedAttribute(p.Attr)
		return defs.OK

	default:
		return defs.EINVAL
	}
}
