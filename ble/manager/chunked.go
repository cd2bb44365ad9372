package manager

import (
	"context"
	"encoding/json"

	"github.com/codyrs82/edgecoder/ble/router"
	"github.com/codyrs82/edgecoder/ble/transport"
	"github.com/codyrs82/edgecoder/config/params"
	"github.com/pkg/errors"
)

// FrameLink is the raw GATT surface a platform BLE stack provides: discovery
// plus MTU-bounded frame exchange over the task characteristic. ChunkedPort
// adapts it to the BLEPort contract.
type FrameLink interface {
	StartAdvertising(ad router.Advertisement) error
	StopAdvertising() error
	StartScanning() error
	StopScanning() error
	DiscoveredPeers() []router.Peer
	UpdateAdvertisement(ad router.Advertisement) error
	// MTU reports the negotiated frame size; zero means unknown.
	MTU() int
	// Exchange writes the request frames to the peer and returns the frames
	// the peer wrote back.
	Exchange(ctx context.Context, peerID string, frames [][]byte) ([][]byte, error)
	// OnFrames registers the responder for incoming request frames.
	OnFrames(handler func(ctx context.Context, frames [][]byte) [][]byte)
}

// ChunkedPort turns a FrameLink into a BLEPort. Requests and responses are
// JSON-encoded and split into header-prefixed chunks so payloads larger than
// one GATT write survive the link.
type ChunkedPort struct {
	link FrameLink
}

// NewChunkedPort wraps a platform frame link.
func NewChunkedPort(link FrameLink) *ChunkedPort {
	return &ChunkedPort{link: link}
}

func (c *ChunkedPort) mtu() int {
	if m := c.link.MTU(); m > transport.HeaderSize {
		return m
	}
	return params.EdgeCoderConfig().BLEMTU
}

// StartAdvertising passes through to the link.
func (c *ChunkedPort) StartAdvertising(ad router.Advertisement) error {
	return c.link.StartAdvertising(ad)
}

// StopAdvertising passes through to the link.
func (c *ChunkedPort) StopAdvertising() error {
	return c.link.StopAdvertising()
}

// StartScanning passes through to the link.
func (c *ChunkedPort) StartScanning() error {
	return c.link.StartScanning()
}

// StopScanning passes through to the link.
func (c *ChunkedPort) StopScanning() error {
	return c.link.StopScanning()
}

// DiscoveredPeers passes through to the link.
func (c *ChunkedPort) DiscoveredPeers() []router.Peer {
	return c.link.DiscoveredPeers()
}

// UpdateAdvertisement passes through to the link.
func (c *ChunkedPort) UpdateAdvertisement(ad router.Advertisement) error {
	return c.link.UpdateAdvertisement(ad)
}

// SendTaskRequest chunks the encoded request over the link and reassembles
// the peer's response frames.
func (c *ChunkedPort) SendTaskRequest(ctx context.Context, peerID string, req *TaskRequest) (*TaskResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode task request")
	}
	chunks, err := transport.EncodeChunks(data, c.mtu())
	if err != nil {
		return nil, err
	}
	frames, err := c.link.Exchange(ctx, peerID, chunks)
	if err != nil {
		return nil, err
	}
	payload, err := reassemble(frames)
	if err != nil {
		return nil, err
	}
	resp := &TaskResponse{}
	if err := json.Unmarshal(payload, resp); err != nil {
		return nil, errors.Wrap(err, "could not decode task response")
	}
	return resp, nil
}

// OnTaskRequest reassembles incoming request frames, runs the handler and
// chunks the response back out.
func (c *ChunkedPort) OnTaskRequest(handler func(ctx context.Context, req *TaskRequest) *TaskResponse) {
	c.link.OnFrames(func(ctx context.Context, frames [][]byte) [][]byte {
		payload, err := reassemble(frames)
		if err != nil {
			log.WithError(err).Debug("Dropped unreassemblable BLE request")
			return nil
		}
		req := &TaskRequest{}
		if err := json.Unmarshal(payload, req); err != nil {
			log.WithError(err).Debug("Dropped undecodable BLE request")
			return nil
		}
		resp := handler(ctx, req)
		data, err := json.Marshal(resp)
		if err != nil {
			log.WithError(err).Debug("Could not encode BLE response")
			return nil
		}
		out, err := transport.EncodeChunks(data, c.mtu())
		if err != nil {
			log.WithError(err).Debug("Could not chunk BLE response")
			return nil
		}
		return out
	})
}

// reassemble feeds frames through a fresh reassembler and expects them to
// complete exactly one payload.
func reassemble(frames [][]byte) ([]byte, error) {
	r := transport.NewReassembler()
	var payload []byte
	for _, f := range frames {
		p, err := r.Add(f)
		if err != nil {
			return nil, err
		}
		if p != nil {
			payload = p
		}
	}
	if payload == nil {
		return nil, transport.ErrMissingChunks
	}
	return payload, nil
}
