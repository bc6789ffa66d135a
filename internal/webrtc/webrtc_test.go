package webrtc

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"facegate/internal/capture"
	"facegate/internal/imaging"
	"facegate/models"
)

var vp8Key = append([]byte{0x50, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x80, 0x02, 0xe0, 0x01}, make([]byte, 20)...)

func vp8Packet(seq uint16, ts uint32, key bool) *rtp.Packet {
	frame := vp8Key
	if !key {
		frame = append([]byte{0x51}, make([]byte, 20)...)
	}
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           1,
			Marker:         true,
		},
		Payload: append([]byte{0x10}, frame...),
	}
}

type sent struct {
	msgType string
	payload any
}

// fakeSignaler records messages; onRequest runs for every camera request.
type fakeSignaler struct {
	mu        sync.Mutex
	msgs      []sent
	onRequest func()
}

func (s *fakeSignaler) Send(msgType string, payload any) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, sent{msgType, payload})
	hook := s.onRequest
	s.mu.Unlock()
	if msgType == models.MsgCameraRequest && hook != nil {
		go hook()
	}
	return nil
}

func (s *fakeSignaler) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.msgType)
	}
	return out
}

type fakeEncoder struct{}

func (fakeEncoder) EncodeFrame(f imaging.RawFrame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return []byte("jpeg"), nil
}

func testConfig() Config {
	return Config{
		PLIInterval:       time.Second,
		FirstFrameTimeout: time.Second,
		Timeslice:         20 * time.Millisecond,
		KeyframeWait:      20 * time.Millisecond,
		CueLinger:         50 * time.Millisecond,
	}
}

// testCall answers camera requests with a call whose track is fed from the
// returned channel. Sends block until the previous packet was processed.
func testCall(t *testing.T, d *Device, sig *fakeSignaler) chan<- *rtp.Packet {
	t.Helper()
	packets := make(chan *rtp.Packet)
	sig.onRequest = func() {
		peer, err := d.newPeer(nil, false)
		if err != nil {
			return
		}
		go peer.stream.consume(peer.ctx, "video/VP8", 90000, func() (*rtp.Packet, error) {
			select {
			case pkt := <-packets:
				return pkt, nil
			case <-peer.ctx.Done():
				return nil, io.EOF
			}
		})
		d.deliver(peer)
	}
	d.decode = func(_ context.Context, mimeType string, frame []byte) (imaging.RawFrame, error) {
		if mimeType != MimeIVF || !isVP8Keyframe(frame) {
			return imaging.RawFrame{}, errors.New("not a vp8 keyframe")
		}
		return imaging.RawFrame{Width: 2, Height: 2, BGR: make([]byte, 12)}, nil
	}
	return packets
}

func TestVP8Keyframe(t *testing.T) {
	assert.True(t, isVP8Keyframe(vp8Key))
	assert.False(t, isVP8Keyframe(vp8Key[:9]))
	assert.False(t, isVP8Keyframe(append([]byte{0x51}, vp8Key[1:]...)))

	w, h, err := getVP8KeyframeDims(vp8Key)
	require.NoError(t, err)
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)

	zero := bytes.Clone(vp8Key)
	zero[6], zero[7] = 0, 0
	_, _, err = getVP8KeyframeDims(zero)
	assert.Error(t, err)
}

func TestH264Keyframe(t *testing.T) {
	sps := []byte{0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1f}
	pps := []byte{0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80}
	idr := []byte{0, 0, 1, 0x65, 0x88, 0x84}
	slice := []byte{0, 0, 1, 0x41, 0x9a}

	assert.True(t, isH264Keyframe(bytes.Join([][]byte{sps, pps, idr}, nil)))
	assert.False(t, isH264Keyframe(idr), "IDR without SPS cannot be decoded alone")
	assert.False(t, isH264Keyframe(bytes.Join([][]byte{sps, pps, slice}, nil)))
	assert.Len(t, splitAnnexB(bytes.Join([][]byte{sps, pps, idr}, nil)), 3)
}

func TestCreateIVFData(t *testing.T) {
	data := createIVFData(vp8Key, 640, 480)

	require.Len(t, data, 32+12+len(vp8Key))
	assert.Equal(t, "DKIF", string(data[0:4]))
	assert.Equal(t, "VP80", string(data[8:12]))
	assert.Equal(t, uint16(640), binary.LittleEndian.Uint16(data[12:14]))
	assert.Equal(t, uint16(480), binary.LittleEndian.Uint16(data[14:16]))
	assert.Equal(t, uint32(len(vp8Key)), binary.LittleEndian.Uint32(data[32:36]))
	assert.Equal(t, vp8Key, data[44:])
}

func TestContainerFor(t *testing.T) {
	assert.Equal(t, MimeIVF, containerFor("video/VP8"))
	assert.Equal(t, MimeIVF, containerFor("video/vp8"))
	assert.Equal(t, MimeH264, containerFor("video/H264"))
	assert.Empty(t, containerFor("video/AV1"))
}

func TestOpenCameraDenied(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sig := &fakeSignaler{}
	d := NewDevice(testConfig(), sig, fakeEncoder{}, nil)
	defer d.Close()
	sig.onRequest = func() {
		_ = d.HandleSignal(models.MsgCameraDenied, nil)
	}

	_, err := d.Open(context.Background())
	assert.ErrorIs(t, err, ErrCameraDenied)
	assert.Equal(t, []string{models.MsgCameraRequest}, sig.types())
}

func TestOpenTimesOutWithoutOffer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sig := &fakeSignaler{}
	d := NewDevice(testConfig(), sig, fakeEncoder{}, nil)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Open(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The request is withdrawn, so a late offer is refused.
	_, err = d.newPeer(nil, false)
	assert.ErrorIs(t, err, errUnexpectedOffer)
}

func TestOpenNoKeyframe(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sig := &fakeSignaler{}
	cfg := testConfig()
	cfg.FirstFrameTimeout = 30 * time.Millisecond
	d := NewDevice(cfg, sig, fakeEncoder{}, nil)
	defer d.Close()
	packets := testCall(t, d, sig)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Delta frames only.
		for i := range 3 {
			select {
			case packets <- vp8Packet(uint16(i), uint32(i)*3000, false):
			case <-stop:
				return
			}
		}
	}()

	_, err := d.Open(context.Background())
	close(stop)
	wg.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no keyframe")
	assert.Equal(t, []string{models.MsgCameraRequest, models.MsgCameraRelease}, sig.types())

	d.mu.Lock()
	assert.Nil(t, d.current)
	d.mu.Unlock()
}

func TestOpenSnapshotRecordClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sig := &fakeSignaler{}
	d := NewDevice(testConfig(), sig, fakeEncoder{}, nil)
	defer d.Close()
	packets := testCall(t, d, sig)

	var seq uint16
	push := func(key bool) {
		packets <- vp8Packet(seq, uint32(seq)*3000, key)
		seq++
	}

	opened := make(chan capture.Stream, 1)
	go func() {
		stream, err := d.Open(context.Background())
		assert.NoError(t, err)
		opened <- stream
	}()
	for range 3 {
		push(true)
	}
	stream := <-opened
	require.NotNil(t, stream)

	assert.True(t, stream.SupportsEncoding(MimeIVF))
	assert.False(t, stream.SupportsEncoding(MimeH264))
	_, err := stream.NewEncoder(MimeH264)
	assert.Error(t, err)

	frame, err := stream.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", frame.MimeType)
	assert.Equal(t, []byte("jpeg"), frame.Data)
	assert.False(t, frame.CapturedAt.IsZero())

	enc, err := stream.NewEncoder(MimeIVF)
	require.NoError(t, err)
	for range 3 {
		push(true)
	}
	push(false) // returns once the last keyframe was written
	require.NoError(t, enc.Close())

	var recorded []byte
	for {
		chunk, err := enc.NextChunk(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		recorded = append(recorded, chunk...)
	}
	require.Greater(t, len(recorded), 32)
	assert.Equal(t, "DKIF", string(recorded[:4]))

	require.NoError(t, stream.Close())
	assert.Contains(t, sig.types(), models.MsgCameraRelease)

	_, err = stream.Snapshot()
	assert.ErrorIs(t, err, capture.ErrSourceNotReady)

	d.mu.Lock()
	assert.Nil(t, d.current)
	d.mu.Unlock()
}

func TestEncoderFailsWhenTrackEnds(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sig := &fakeSignaler{}
	d := NewDevice(testConfig(), sig, fakeEncoder{}, nil)
	defer d.Close()
	packets := testCall(t, d, sig)

	opened := make(chan capture.Stream, 1)
	go func() {
		stream, _ := d.Open(context.Background())
		opened <- stream
	}()
	for i := range 3 {
		packets <- vp8Packet(uint16(i), uint32(i)*3000, true)
	}
	stream := <-opened
	require.NotNil(t, stream)
	enc, err := stream.NewEncoder(MimeIVF)
	require.NoError(t, err)

	// The browser hangs up mid-recording.
	require.NoError(t, d.HandleSignal(models.MsgWebrtcQuit, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		_, err = enc.NextChunk(ctx)
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, capture.ErrSourceNotReady)
	require.NoError(t, enc.Close())
	require.NoError(t, stream.Close())
}

func TestHandleSignal(t *testing.T) {
	sig := &fakeSignaler{}
	d := NewDevice(testConfig(), sig, fakeEncoder{}, nil)
	defer d.Close()

	assert.Error(t, d.HandleSignal("webrtc.bogus", nil))
	assert.Error(t, d.HandleSignal(models.MsgWebrtcOffer, json.RawMessage(`{`)))
	assert.Error(t, d.HandleSignal(models.MsgWebrtcOffer, json.RawMessage(`{}`)))
	// Candidates without a call are dropped.
	assert.NoError(t, d.HandleSignal(models.MsgWebrtcICE, json.RawMessage(`{"candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}}`)))
	assert.NoError(t, d.HandleSignal(models.MsgWebrtcQuit, nil))
}

func TestClosedDevice(t *testing.T) {
	d := NewDevice(testConfig(), &fakeSignaler{}, fakeEncoder{}, nil)
	d.Close()
	d.Close()

	_, err := d.Open(context.Background())
	assert.ErrorIs(t, err, errDeviceClosed)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(models.WebRTCConfig{
		STUNServers:  []string{"stun:a", "stun:b"},
		TURNServer:   "turn:relay",
		TURNUsername: "u",
		TURNPassword: "p",
	})
	require.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, []string{"stun:a", "stun:b"}, cfg.ICEServers[0].URLs)
	assert.Equal(t, "u", cfg.ICEServers[1].Username)

	filled := cfg.withDefaults()
	assert.Equal(t, time.Second, filled.PLIInterval)
	assert.Equal(t, "ffmpeg", filled.FFmpegPath)
	assert.Equal(t, uint16(128), filled.SampleBufferMax)
}
