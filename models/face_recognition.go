package models

import "fmt"

// ============================================================
// ACCOUNTS
// ============================================================

// UserKind is the account type returned by the backend.
type UserKind int

const (
	UserKindUnknown   UserKind = 0
	UserKindAdmin     UserKind = 1
	UserKindUser      UserKind = 2
	UserKindDeveloper UserKind = 3
)

func (k UserKind) String() string {
	switch k {
	case UserKindAdmin:
		return "admin"
	case UserKindUser:
		return "user"
	case UserKindDeveloper:
		return "developer"
	default:
		return "unknown"
	}
}

// Home is the landing route for the account kind after login.
func (k UserKind) Home() string {
	switch k {
	case UserKindAdmin:
		return "/admin"
	case UserKindUser:
		return "/user"
	case UserKindDeveloper:
		return "/developer"
	default:
		return ""
	}
}

// ============================================================
// REQUEST STRUCTURES
// ============================================================

type IdentifierRequest struct {
	Identifier string `json:"identifier"`
}

type PasswordRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type FaceFramesRequest struct {
	Username string   `json:"username"`
	Frames   []string `json:"frames"` // data URLs
}

// ============================================================
// RESPONSE STRUCTURES
// ============================================================

// IdentifierResult answers check-credentials. Older backends omit
// requires_face_login; the face lock policy then applies to plain users.
type IdentifierResult struct {
	Type              UserKind `json:"type"`
	RequiresFaceLogin *bool    `json:"requires_face_login,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// NeedsFace resolves whether this account must pass face verification.
func (r *IdentifierResult) NeedsFace(faceLock bool) bool {
	if r == nil || !faceLock {
		return false
	}
	if r.RequiresFaceLogin != nil {
		return *r.RequiresFaceLogin
	}
	return r.Type == UserKindUser
}

type FaceVerifyResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// IsSuccessful checks if the face verification was accepted
func (r *FaceVerifyResult) IsSuccessful() bool {
	return r != nil && r.Success
}

func (r *FaceVerifyResult) String() string {
	if r == nil {
		return "nil"
	}
	return fmt.Sprintf("FaceVerify{Success: %v, Message: %q}", r.Success, r.Message)
}

type PasswordResult struct {
	Success bool     `json:"success"`
	Type    UserKind `json:"type"`
	LoginID int64    `json:"login_id,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// EnrollmentResult answers save-face-video and the facial data update.
type EnrollmentResult struct {
	Message  string `json:"message,omitempty"`
	Filepath string `json:"filepath,omitempty"`
	Error    string `json:"error,omitempty"`
}

// IsSuccessful checks whether the backend processed and trained the video.
func (r *EnrollmentResult) IsSuccessful() bool {
	return r != nil && r.Error == "" && r.Message != ""
}

// Trained reports the final confirmation message.
func (r *EnrollmentResult) Trained() bool {
	return r != nil && r.Message == MessageEnrollmentComplete
}

func (r *EnrollmentResult) String() string {
	if r == nil {
		return "nil"
	}
	if r.Error != "" {
		return fmt.Sprintf("Enrollment{Error: %q}", r.Error)
	}
	return fmt.Sprintf("Enrollment{Message: %q}", r.Message)
}

// ErrorResponse is the generic backend error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
