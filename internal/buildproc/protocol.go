// Package buildproc is the boundary between the build driver and the
// process that runs compilers. A Process accepts one Request per build and
// streams Events back until the build completes. Local runs compilers in
// this process; Client and Server carry the same protocol over gRPC.
package buildproc

import (
	"errors"
	"fmt"

	"github.com/jward/kiln/internal/targets"
)

// ErrProcessFailed marks a build process that crashed or broke the
// protocol, as opposed to a build that ran and found errors.
var ErrProcessFailed = errors.New("buildproc: process failed")

// Request is one build submission.
type Request struct {
	SessionID    string            `json:"sessionId"`
	TargetScopes []targets.Request `json:"targetScopes,omitempty"`
	// Paths, when set, compiles exactly these files.
	Paths        []string `json:"paths,omitempty"`
	ChangedPaths []string `json:"changedPaths,omitempty"`
	DeletedPaths []string `json:"deletedPaths,omitempty"`
	// Incremental is true when ChangedPaths and DeletedPaths are a
	// complete account of what changed since the last build.
	Incremental   bool              `json:"incremental"`
	BuilderParams map[string]string `json:"builderParams,omitempty"`
	CheckOnly     bool              `json:"checkOnly,omitempty"`
	Rebuild       bool              `json:"rebuild,omitempty"`
	// Clean wipes the process's compiler caches before building.
	Clean bool `json:"clean,omitempty"`
}

// Validate rejects requests that name nothing to build.
func (r *Request) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("buildproc: request has no session id")
	}
	if len(r.TargetScopes) == 0 && len(r.Paths) == 0 {
		return fmt.Errorf("buildproc: request %s has no target scopes or paths", r.SessionID)
	}
	for _, ts := range r.TargetScopes {
		if ts.AllTargets && len(ts.TargetIDs) > 0 {
			return fmt.Errorf("buildproc: target scope %s is both all-targets and explicit", ts.TypeID)
		}
	}
	return nil
}

// EventKind tags an Event.
type EventKind string

const (
	EventProgress       EventKind = "PROGRESS"
	EventCompileMessage EventKind = "COMPILE_MESSAGE"
	EventFilesGenerated EventKind = "FILES_GENERATED"
	EventBuildCompleted EventKind = "BUILD_COMPLETED"
	EventCustomMessage  EventKind = "CUSTOM_BUILDER_MESSAGE"
)

// MessageKind classifies a compile message.
type MessageKind string

const (
	MessageError         MessageKind = "ERROR"
	MessageWarning       MessageKind = "WARNING"
	MessageInfo          MessageKind = "INFO"
	MessageInternalError MessageKind = "INTERNAL_ERROR"
	MessageProgress      MessageKind = "PROGRESS"
)

// Status is a build's terminal status.
type Status string

const (
	StatusSuccess  Status = "SUCCESS"
	StatusErrors   Status = "ERRORS"
	StatusCanceled Status = "CANCELED"
	StatusUpToDate Status = "UP_TO_DATE"
)

// Progress reports what the build is doing. Fraction is nil when unknown.
type Progress struct {
	Text     string   `json:"text"`
	Fraction *float64 `json:"fractionDone,omitempty"`
}

// CompileMessage is a diagnostic. Location fields are zero when unknown.
type CompileMessage struct {
	Kind        MessageKind `json:"kind"`
	Text        string      `json:"text"`
	SourcePath  string      `json:"sourcePath,omitempty"`
	Line        int         `json:"line,omitempty"`
	Column      int         `json:"column,omitempty"`
	TargetNames []string    `json:"affectedTargetNames,omitempty"`
}

// GeneratedFile is one file written by a compiler.
type GeneratedFile struct {
	OutputRoot   string `json:"outputRoot"`
	RelativePath string `json:"relativePath"`
}

// Completed carries the terminal status.
type Completed struct {
	Status Status `json:"status"`
}

// CustomMessage is an opaque message from one compiler.
type CustomMessage struct {
	BuilderID   string `json:"builderId"`
	MessageType string `json:"messageType"`
	Text        string `json:"text"`
}

// Event is one streamed notification. Exactly the payload matching Kind
// is set.
type Event struct {
	Kind      EventKind       `json:"kind"`
	Progress  *Progress       `json:"progress,omitempty"`
	Message   *CompileMessage `json:"message,omitempty"`
	Files     []GeneratedFile `json:"files,omitempty"`
	Completed *Completed      `json:"completed,omitempty"`
	Custom    *CustomMessage  `json:"custom,omitempty"`
}

// ProgressEvent builds a PROGRESS event. A negative fraction means
// unknown.
func ProgressEvent(text string, fraction float64) Event {
	p := &Progress{Text: text}
	if fraction >= 0 {
		p.Fraction = &fraction
	}
	return Event{Kind: EventProgress, Progress: p}
}

// MessageEvent builds a COMPILE_MESSAGE event.
func MessageEvent(msg CompileMessage) Event {
	return Event{Kind: EventCompileMessage, Message: &msg}
}

// FilesEvent builds a FILES_GENERATED event.
func FilesEvent(files ...GeneratedFile) Event {
	return Event{Kind: EventFilesGenerated, Files: files}
}

// CompletedEvent builds a BUILD_COMPLETED event.
func CompletedEvent(status Status) Event {
	return Event{Kind: EventBuildCompleted, Completed: &Completed{Status: status}}
}

// CustomEvent builds a CUSTOM_BUILDER_MESSAGE event.
func CustomEvent(builderID, messageType, text string) Event {
	return Event{Kind: EventCustomMessage, Custom: &CustomMessage{
		BuilderID:   builderID,
		MessageType: messageType,
		Text:        text,
	}}
}
