package gateway

import (
	"facegate/internal/capture"
	"facegate/internal/flow"
	"facegate/models"
)

func loginPayload(st flow.VerificationState) models.LoginStatePayload {
	p := models.LoginStatePayload{
		Step:     string(st.Step),
		UserKind: int(st.UserKind),
	}
	if st.Step == flow.StepComplete {
		p.Redirect = st.UserKind.Home()
	}
	if st.Step == flow.StepFaceCapture && st.Capture.Phase != "" {
		p.Capture = string(st.Capture.Phase)
		p.Frames = st.Capture.FramesCaptured
		p.Remaining = secondsLeft(st.Capture)
	}
	p.Error, p.ErrorKind = errorFields(st.LastError)
	return p
}

func enrollPayload(st flow.EnrollmentState) models.EnrollStatePayload {
	p := models.EnrollStatePayload{
		Step:      string(st.Step),
		Progress:  st.ProgressPercent,
		Remaining: st.RemainingSeconds,
	}
	p.Error, p.ErrorKind = errorFields(st.LastError)
	return p
}

func facialPayload(st flow.FacialDataState) models.FacialStatePayload {
	p := models.FacialStatePayload{
		Busy:     st.Busy,
		Progress: st.Progress,
		Message:  st.Message,
	}
	p.Error, p.ErrorKind = errorFields(st.LastError)
	return p
}

func errorFields(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	return err.Error(), string(capture.KindOf(err))
}

// secondsLeft rounds the recording countdown up to whole seconds.
func secondsLeft(snap capture.Snapshot) int {
	if snap.Remaining <= 0 {
		return 0
	}
	return int((snap.Remaining + 999_999_999) / 1_000_000_000)
}

var knownTypes = map[string]bool{
	models.MsgLoginIdentifier: true,
	models.MsgLoginFaceStart:  true,
	models.MsgLoginPassword:   true,
	models.MsgLoginCancel:     true,
	models.MsgEnrollBegin:     true,
	models.MsgEnrollStart:     true,
	models.MsgEnrollStop:      true,
	models.MsgEnrollCancel:    true,
	models.MsgFacialUpdate:    true,
	models.MsgFacialDelete:    true,
	models.MsgFacialCancel:    true,
	models.MsgWebrtcOffer:     true,
	models.MsgWebrtcICE:       true,
	models.MsgWebrtcQuit:      true,
	models.MsgCameraDenied:    true,
}

// metricType bounds the label set to the known message types.
func metricType(t string) string {
	if knownTypes[t] {
		return t
	}
	return "unknown"
}
