package manager

import (
	"context"
	"strings"
	"testing"

	"github.com/codyrs82/edgecoder/ble/router"
	"github.com/codyrs82/edgecoder/ble/transport"
	"github.com/codyrs82/edgecoder/config/params"
	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/testutil/require"
	"github.com/codyrs82/edgecoder/types"
)

// fakeFrameLink loops request frames straight into the registered responder,
// recording what crossed the link.
type fakeFrameLink struct {
	mtu            int
	handler        func(ctx context.Context, frames [][]byte) [][]byte
	requestFrames  [][]byte
	responseFrames [][]byte
}

func (l *fakeFrameLink) StartAdvertising(_ router.Advertisement) error  { return nil }
func (l *fakeFrameLink) StopAdvertising() error                         { return nil }
func (l *fakeFrameLink) StartScanning() error                           { return nil }
func (l *fakeFrameLink) StopScanning() error                            { return nil }
func (l *fakeFrameLink) DiscoveredPeers() []router.Peer                 { return nil }
func (l *fakeFrameLink) UpdateAdvertisement(_ router.Advertisement) error { return nil }
func (l *fakeFrameLink) MTU() int                                       { return l.mtu }

func (l *fakeFrameLink) Exchange(ctx context.Context, _ string, frames [][]byte) ([][]byte, error) {
	l.requestFrames = frames
	l.responseFrames = l.handler(ctx, frames)
	return l.responseFrames, nil
}

func (l *fakeFrameLink) OnFrames(h func(ctx context.Context, frames [][]byte) [][]byte) {
	l.handler = h
}

func TestChunkedPort_RoundTripsOversizedPayloads(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	link := &fakeFrameLink{mtu: 128}

	server := NewChunkedPort(link)
	server.OnTaskRequest(func(_ context.Context, req *TaskRequest) *TaskResponse {
		return &TaskResponse{
			TaskID:            req.Task.TaskID,
			Status:            string(types.TaskCompleted),
			Output:            strings.Repeat("y", 600),
			CPUSeconds:        1.5,
			ProviderAgentID:   "laptop-b",
			ProviderAccountID: "acct-b",
		}
	})

	client := NewChunkedPort(link)
	resp, err := client.SendTaskRequest(context.Background(), "laptop-b", &TaskRequest{
		Task:               &types.Task{TaskID: "t-chunk", Input: strings.Repeat("x", 900)},
		RequesterAgentID:   "phone-a",
		RequesterAccountID: "acct-a",
	})
	require.NoError(t, err)
	assert.Equal(t, "t-chunk", resp.TaskID)
	assert.Equal(t, string(types.TaskCompleted), resp.Status)
	assert.Equal(t, 600, len(resp.Output))

	// A 900-byte input cannot fit one 128-byte GATT write in either
	// direction.
	require.Equal(t, true, len(link.requestFrames) > 1)
	require.Equal(t, true, len(link.responseFrames) > 1)
	for _, f := range link.requestFrames {
		assert.Equal(t, true, len(f) <= link.mtu)
	}
}

func TestChunkedPort_UnknownMTUFallsBackToConfig(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	link := &fakeFrameLink{mtu: 0}
	server := NewChunkedPort(link)
	server.OnTaskRequest(func(_ context.Context, req *TaskRequest) *TaskResponse {
		return &TaskResponse{TaskID: req.Task.TaskID, Status: string(types.TaskFailed)}
	})

	client := NewChunkedPort(link)
	_, err := client.SendTaskRequest(context.Background(), "p", &TaskRequest{
		Task: &types.Task{TaskID: "t-mtu", Input: "x"},
	})
	require.NoError(t, err)
	for _, f := range link.requestFrames {
		assert.Equal(t, true, len(f) <= params.EdgeCoderConfig().BLEMTU)
	}
}

func TestChunkedPort_IncompleteResponseFrames(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	link := &fakeFrameLink{mtu: 64}
	server := NewChunkedPort(link)
	server.OnTaskRequest(func(_ context.Context, req *TaskRequest) *TaskResponse {
		return &TaskResponse{TaskID: req.Task.TaskID, Status: string(types.TaskCompleted), Output: strings.Repeat("z", 400)}
	})

	// Drop the last response frame before it reaches the client.
	inner := link.handler
	link.handler = func(ctx context.Context, frames [][]byte) [][]byte {
		out := inner(ctx, frames)
		return out[:len(out)-1]
	}

	client := NewChunkedPort(link)
	_, err := client.SendTaskRequest(context.Background(), "p", &TaskRequest{
		Task: &types.Task{TaskID: "t-gap", Input: "x"},
	})
	require.NotNil(t, err)
	assert.Equal(t, transport.ErrMissingChunks, err)
}
