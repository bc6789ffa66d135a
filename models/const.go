package models

// ============================================================
// BACKEND ENDPOINTS (relative to BackendConfig.BaseURL)
// ============================================================

const (
	PathCheckCredentials = "/api/check-credentials"
	PathVerifyFace       = "/api/verify-face"
	PathVerifyFaceFrames = "/api/verify-face-frames"
	PathVerifyPassword   = "/api/verify-password"
	PathSaveFaceVideo    = "/api/save-face-video"
	PathFacialData       = "/api/user/facial-data"
)

// MessageEnrollmentComplete is the save-face-video success message that
// confirms training finished.
const MessageEnrollmentComplete = "Video saved and processed successfully"

// ============================================================
// GATEWAY MESSAGE TYPES
// ============================================================

const (
	// browser -> gateway
	MsgLoginIdentifier = "login.identifier"
	MsgLoginFaceStart  = "login.face.start"
	MsgLoginPassword   = "login.password"
	MsgLoginCancel     = "login.cancel"
	MsgEnrollBegin     = "enroll.begin"
	MsgEnrollStart     = "enroll.start"
	MsgEnrollStop      = "enroll.stop"
	MsgEnrollCancel    = "enroll.cancel"
	MsgFacialUpdate    = "facial.update"
	MsgFacialDelete    = "facial.delete"
	MsgFacialCancel    = "facial.cancel"
	MsgWebrtcOffer     = "webrtc.offer"
	MsgWebrtcICE       = "webrtc.ice"
	MsgWebrtcQuit      = "webrtc.quit"
	MsgCameraDenied    = "camera.denied"

	// gateway -> browser
	MsgLoginState     = "login.state"
	MsgEnrollState    = "enroll.state"
	MsgEnrollFinished = "enroll.finished"
	MsgFacialState    = "facial.state"
	MsgCameraRequest  = "camera.request"
	MsgCameraRelease  = "camera.release"
	MsgWebrtcAnswer   = "webrtc.answer"
	MsgError          = "error"
)

// ============================================================
// PROGRESS SOCKET
// ============================================================

const (
	ProgressTypeProgress = "progress"
	ProgressStageFailed  = "failed"
)
