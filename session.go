package kiln

import (
	"fmt"
	"sync"
	"time"

	"github.com/jward/kiln/internal/buildproc"
	"github.com/jward/kiln/internal/logger"
)

// MessageKind classifies a build message.
type MessageKind int

const (
	Error MessageKind = iota
	Warning
	Info
)

func (k MessageKind) String() string {
	switch k {
	case Error:
		return "error"
	case Warning:
		return "warning"
	case Info:
		return "info"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k MessageKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Message is a diagnostic reported during a build. Location fields are
// zero when unknown.
type Message struct {
	Kind       MessageKind `json:"kind"`
	Text       string      `json:"text"`
	SourcePath string      `json:"source_path,omitempty"`
	Line       int         `json:"line,omitempty"`
	Column     int         `json:"column,omitempty"`
	Targets    []string    `json:"targets,omitempty"`
}

func (m Message) String() string {
	loc := m.SourcePath
	if loc != "" && m.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", loc, m.Line, m.Column)
	}
	if loc == "" {
		return fmt.Sprintf("%s: %s", m.Kind, m.Text)
	}
	return fmt.Sprintf("%s: %s: %s", loc, m.Kind, m.Text)
}

// Progress is the latest progress report. Fraction is negative when
// unknown.
type Progress struct {
	Text     string
	Fraction float64
}

// GeneratedFile is a file a compiler wrote, relative to its output root.
type GeneratedFile = buildproc.GeneratedFile

// GeneratedFilesListener is told about files as the build writes them.
type GeneratedFilesListener interface {
	FilesGenerated(files []GeneratedFile)
}

// GeneratedFilesFunc adapts a function to GeneratedFilesListener.
type GeneratedFilesFunc func(files []GeneratedFile)

func (f GeneratedFilesFunc) FilesGenerated(files []GeneratedFile) { f(files) }

// Result summarises one build session. It is passed to the completion
// callback exactly once.
type Result struct {
	SessionID    string
	Status       ExitStatus
	WasCancelled bool
	Errors       int
	Warnings     int
	Messages     []Message
	Generated    []GeneratedFile
	Duration     time.Duration

	// notUpToDate is set when a check-only build found work.
	notUpToDate bool
}

// Err maps the status to an error: nil for Success and UpToDate.
func (r *Result) Err() error {
	switch r.Status {
	case Cancelled:
		return ErrCancelled
	case Errors:
		return fmt.Errorf("%w: %d error(s)", ErrBuildFailed, r.Errors)
	case Pending:
		return fmt.Errorf("kiln: build %s has no status", r.SessionID)
	}
	return nil
}

// session is the mutable state of one build. Event handling and the
// driver goroutine both touch it.
type session struct {
	id      string
	started time.Time
	log     *logger.Logger
	status  StatusHolder
	// reported is the status the build process itself sent, if any.
	reported StatusHolder

	mu        sync.Mutex
	state     State
	messages  []Message
	counts    map[MessageKind]int
	progress  Progress
	generated []GeneratedFile
	// cacheFailed is set when a compiler reported a cache failure.
	cacheFailed bool

	onState    func(State)
	onProgress func(Progress)
	onMessage  func(Message)
	onCustom   func(buildproc.CustomMessage)
	listener   GeneratedFilesListener

	flushOnce sync.Once
	doneOnce  sync.Once
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.Debug("build state", "state", st.String())
	if s.onState != nil {
		s.onState(st)
	}
}

func (s *session) addMessage(m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.counts[m.Kind]++
	s.mu.Unlock()
	if s.onMessage != nil {
		s.onMessage(m)
	}
}

func (s *session) setProgress(p Progress) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
	if s.onProgress != nil {
		s.onProgress(p)
	}
}

// handle applies one streamed event.
func (s *session) handle(ev buildproc.Event) {
	switch ev.Kind {
	case buildproc.EventProgress:
		if ev.Progress == nil {
			return
		}
		p := Progress{Text: ev.Progress.Text, Fraction: -1}
		if ev.Progress.Fraction != nil {
			p.Fraction = *ev.Progress.Fraction
		}
		s.setProgress(p)
	case buildproc.EventCompileMessage:
		if ev.Message == nil {
			return
		}
		if ev.Message.Kind == buildproc.MessageProgress {
			s.setProgress(Progress{Text: ev.Message.Text, Fraction: -1})
			return
		}
		s.addMessage(Message{
			Kind:       classify(ev.Message.Kind),
			Text:       ev.Message.Text,
			SourcePath: ev.Message.SourcePath,
			Line:       ev.Message.Line,
			Column:     ev.Message.Column,
			Targets:    ev.Message.TargetNames,
		})
	case buildproc.EventFilesGenerated:
		if len(ev.Files) == 0 {
			return
		}
		s.mu.Lock()
		s.generated = append(s.generated, ev.Files...)
		s.mu.Unlock()
		if s.listener != nil {
			s.listener.FilesGenerated(ev.Files)
		}
	case buildproc.EventBuildCompleted:
		if ev.Completed == nil {
			return
		}
		st, ok := statusFromWire(ev.Completed.Status)
		if !ok {
			s.addMessage(Message{Kind: Error, Text: fmt.Sprintf("unknown build status %q", ev.Completed.Status)})
			s.status.SetIfAbsent(Errors)
			return
		}
		s.reported.SetIfAbsent(st)
		s.status.SetIfAbsent(st)
	case buildproc.EventCustomMessage:
		if ev.Custom == nil {
			return
		}
		s.log.Info("builder message", "builder", ev.Custom.BuilderID,
			"type", ev.Custom.MessageType, "text", ev.Custom.Text)
		if ev.Custom.MessageType == buildproc.CustomRebuildRequired {
			s.mu.Lock()
			s.cacheFailed = true
			s.mu.Unlock()
		}
		if s.onCustom != nil {
			s.onCustom(*ev.Custom)
		}
	default:
		s.log.Warn("ignoring unknown build event", "kind", string(ev.Kind))
	}
}

func (s *session) cacheFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheFailed
}

func classify(k buildproc.MessageKind) MessageKind {
	switch k {
	case buildproc.MessageError, buildproc.MessageInternalError:
		return Error
	case buildproc.MessageWarning:
		return Warning
	}
	return Info
}

func (s *session) result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status.Get()
	return &Result{
		SessionID:    s.id,
		Status:       st,
		WasCancelled: st == Cancelled,
		Errors:       s.counts[Error],
		Warnings:     s.counts[Warning],
		Messages:     append([]Message(nil), s.messages...),
		Generated:    append([]GeneratedFile(nil), s.generated...),
		Duration:     time.Since(s.started),
	}
}
