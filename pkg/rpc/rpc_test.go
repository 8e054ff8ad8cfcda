package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	require "github.com/stretchr/testify/require"

	"github.com/user/roborock-go/pkg/idgen"
	"github.com/user/roborock-go/pkg/rrerrors"
	"github.com/user/roborock-go/roborock"
)

// fakeTransport is an in-process loopback: Publish decodes the outgoing
// request and, if a canned responder is set, feeds a response straight back
// through the subscribed callback.
type fakeTransport struct {
	cb       func([]byte)
	respond  func(req requestEnvelope) (responseEnvelope, bool)
	connected bool
}

func (f *fakeTransport) Publish(_ context.Context, payload []byte) error {
	var frame framePayload
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}
	var req requestEnvelope
	if err := json.Unmarshal([]byte(frame.DPS[dpsRequestCode]), &req); err != nil {
		return err
	}
	if f.respond == nil {
		return nil
	}
	resp, ok := f.respond(req)
	if !ok {
		return nil
	}
	respJSON, _ := json.Marshal(resp)
	out := framePayload{DPS: map[string]string{dpsResponseCode: string(respJSON)}, T: time.Now().Unix()}
	outJSON, _ := json.Marshal(out)
	go f.cb(outJSON)
	return nil
}

func (f *fakeTransport) Subscribe(cb func([]byte)) (roborock.Unsubscribe, error) {
	f.cb = cb
	return func() {}, nil
}

func (f *fakeTransport) Connected() bool { return f.connected }

func TestSendCommandDecodesResult(t *testing.T) {
	transport := &fakeTransport{
		respond: func(req requestEnvelope) (responseEnvelope, bool) {
			result, _ := json.Marshal(map[string]any{"battery": 88})
			return responseEnvelope{ID: req.ID, Result: result}, true
		},
	}
	ch, err := New(transport, idgen.New(), nil, nil)
	require.NoError(t, err)
	defer ch.Close()

	var decoded map[string]any
	err = ch.SendCommand(context.Background(), "get_status", nil, &decoded)
	require.NoError(t, err)
	require.Equal(t, 88.0, decoded["battery"])
}

func TestSendCommandUnknownMethodBecomesApiError(t *testing.T) {
	transport := &fakeTransport{
		respond: func(req requestEnvelope) (responseEnvelope, bool) {
			result, _ := json.Marshal("unknown_method")
			return responseEnvelope{ID: req.ID, Result: result}, true
		},
	}
	ch, err := New(transport, idgen.New(), nil, nil)
	require.NoError(t, err)
	defer ch.Close()

	err = ch.SendCommand(context.Background(), "bogus_method", nil, nil)
	var apiErr *rrerrors.ApiError
	require.ErrorAs(t, err, &apiErr)
}

func TestSendCommandRetryResultBecomesErrDeviceBusy(t *testing.T) {
	transport := &fakeTransport{
		respond: func(req requestEnvelope) (responseEnvelope, bool) {
			result, _ := json.Marshal("retry")
			return responseEnvelope{ID: req.ID, Result: result}, true
		},
	}
	ch, err := New(transport, idgen.New(), nil, nil)
	require.NoError(t, err)
	defer ch.Close()

	err = ch.SendCommand(context.Background(), "get_status", nil, nil)
	require.ErrorIs(t, err, rrerrors.ErrDeviceBusy)
}

func TestSendCommandTimesOutWithNoResponse(t *testing.T) {
	transport := &fakeTransport{respond: nil}
	ch, err := New(transport, idgen.New(), nil, nil, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	defer ch.Close()

	err = ch.SendCommand(context.Background(), "get_status", nil, nil)
	require.ErrorIs(t, err, rrerrors.ErrTimeout)
}

func TestCloseFailsPendingRequestsWithConnectionLost(t *testing.T) {
	transport := &fakeTransport{respond: nil}
	ch, err := New(transport, idgen.New(), nil, nil, WithTimeout(time.Minute))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ch.SendCommand(context.Background(), "get_status", nil, nil)
	}()

	// Give SendCommand time to register its pending entry before Close runs.
	time.Sleep(20 * time.Millisecond)
	ch.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, rrerrors.ErrConnectionLost)
	case <-time.After(time.Second):
		t.Fatal("SendCommand did not return after Close")
	}
}
