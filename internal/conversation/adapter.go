// Package conversation adapts user actions onto the state machine.
//
// The adapter owns the rendered transcript: it appends the bot entry message
// for each state exactly once, maps button clicks to transitions, routes free
// text to the right collaborator and schedules the delayed auto-advance that
// follows a typing indicator. The state machine reports invalid transitions
// as errors; this layer logs and ignores them so stray user events never
// break a conversation.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/maria-ai/maria-agent/internal/fsm"
	"github.com/maria-ai/maria-agent/internal/models"
	"github.com/maria-ai/maria-agent/internal/store"
	"github.com/maria-ai/maria-agent/internal/timer"
	"github.com/maria-ai/maria-agent/internal/upload"
	"github.com/maria-ai/maria-agent/internal/verify"
)

// DefaultTypingDelay is the pause between a typing indicator completing and
// the auto-advance transition firing.
const DefaultTypingDelay = 900 * time.Millisecond

// ActionResendCode is the button value for requesting another verification
// code. It is an adapter action, not a state-machine transition.
const ActionResendCode = "RESEND_CODE"

var namePattern = regexp.MustCompile(`^[\p{L}]+(?: [\p{L}]+)*$`)

const (
	msgNameRejected    = "Names can only contain letters and spaces. What should I call you?"
	msgContinueBlocked = "Please upload at least one document before continuing."
	msgOffScript       = "Let's take it one step at a time. Please use the options above."
	msgSessionReset    = "Your session was reset. Let's start over."
)

// entryScript describes what the adapter renders when a state is entered.
type entryScript struct {
	text    string
	buttons []models.Button
	// typing renders the message as a typing indicator first; TypingDone
	// reveals it and, when auto is set, arms the delayed transition.
	typing bool
	auto   models.Transition
}

// entryScripts is keyed by state. States absent here render nothing on entry.
var entryScripts = map[models.ConversationState]entryScript{
	models.StateWelcome: {
		text:   "Hi! I'm Maria, your AI assistant. I help businesses turn their documents into a knowledgeable chat assistant.",
		typing: true,
		auto:   models.TransitionWelcomeComplete,
	},
	models.StateInitialOptions: {
		text: "Would you like to create your own AI assistant?",
		buttons: []models.Button{
			{Text: fsm.DisplayValueFor(string(models.TransitionYesClicked)), Value: string(models.TransitionYesClicked)},
			{Text: fsm.DisplayValueFor(string(models.TransitionNoClicked)), Value: string(models.TransitionNoClicked)},
		},
	},
	models.StateOpportunitiesExist: {
		text:   "No problem! Businesses like yours often discover new opportunities once their documents can answer questions on their own.",
		typing: true,
		auto:   models.TransitionOpportunitiesComplete,
	},
	models.StateEngageAgain: {
		text: "Shall we give it a try after all?",
		buttons: []models.Button{
			{Text: fsm.DisplayValueFor(string(models.TransitionLetsGoClicked)), Value: string(models.TransitionLetsGoClicked)},
			{Text: fsm.DisplayValueFor(string(models.TransitionMaybeLaterClicked)), Value: string(models.TransitionMaybeLaterClicked)},
		},
	},
	models.StateCollectingName: {
		text: "Great! What's your name?",
	},
	models.StateUploadPrompt: {
		text:   "Next, let's add the documents your assistant should learn from. You can upload up to 3 PDF files, 5 MB each.",
		typing: true,
		auto:   models.TransitionUploadPromptComplete,
	},
	models.StateUploadingDocuments: {
		text: "Drop your PDF files here. Once at least one has uploaded you can continue.",
		buttons: []models.Button{
			{Text: fsm.DisplayValueFor(string(models.TransitionDocumentsUploaded)), Value: string(models.TransitionDocumentsUploaded)},
		},
	},
	models.StateCollectingEmail: {
		text: "Almost done! What's your email address? I'll send you a verification code.",
	},
	models.StateEmailCodeSent: {
		text: "Please enter the 6-digit code from your inbox.",
		buttons: []models.Button{
			{Text: "Resend code", Value: ActionResendCode},
		},
	},
	models.StateEmailVerificationFailed: {
		text: "I couldn't send the code to that address.",
		buttons: []models.Button{
			{Text: fsm.DisplayValueFor(string(models.TransitionRetryEmail)), Value: string(models.TransitionRetryEmail)},
		},
	},
	models.StateEmailVerified: {
		text:   "Your email is verified!",
		typing: true,
		auto:   models.TransitionVerifiedComplete,
	},
	models.StateCreatingBot: {
		text:   "I'm creating your assistant from the uploaded documents now. This takes just a moment.",
		typing: true,
		auto:   models.TransitionBotInitiated,
	},
	models.StateWorkflowEnded: {
		text: "All set! You'll receive an email as soon as your assistant is ready. Thanks for stopping by!",
	},
}

// pendingAuto tracks the typing message whose completion arms a delayed
// transition.
type pendingAuto struct {
	messageID  int
	transition models.Transition
}

// Adapter glues the transcript, the state machine and the collaborator
// components together for one conversation.
type Adapter struct {
	identifier string
	store      store.Store
	verify     *verify.Flow
	uploads    *upload.Coordinator
	scheduler  timer.Scheduler

	typingDelay time.Duration
	resetNotice bool

	mu        sync.Mutex
	machine   *fsm.Machine
	messages  []models.Message
	nextMsgID int
	rendered  map[models.ConversationState]bool
	userName  string
	userEmail string
	createdAt time.Time

	pending     *pendingAuto
	autoTimerID string
}

// Option configures an adapter.
type Option func(*Adapter)

// WithTypingDelay overrides the auto-advance delay, used by tests.
func WithTypingDelay(d time.Duration) Option {
	return func(a *Adapter) { a.typingDelay = d }
}

// WithScheduler overrides the timer used for auto-advance scheduling.
func WithScheduler(s timer.Scheduler) Option {
	return func(a *Adapter) { a.scheduler = s }
}

// WithResetNotice prepends the session-reset notice to a fresh transcript.
// Used when this conversation replaces one that was fully reset.
func WithResetNotice() Option {
	return func(a *Adapter) { a.resetNotice = true }
}

// New builds the adapter for a session, restoring the transcript and machine
// state from the store when a record exists, otherwise starting at Welcome.
func New(identifier string, st store.Store, vf *verify.Flow, up *upload.Coordinator, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		identifier:  identifier,
		store:       st,
		verify:      vf,
		uploads:     up,
		scheduler:   timer.NewSimpleTimer(),
		typingDelay: DefaultTypingDelay,
		rendered:    make(map[models.ConversationState]bool),
	}
	for _, opt := range opts {
		opt(a)
	}

	record, err := st.GetSession(identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if record != nil {
		a.machine = fsm.NewAt(record.CurrentState)
		a.userName = record.UserName
		a.userEmail = record.UserEmail
		a.createdAt = record.CreatedAt
		messages, err := st.GetMessages(identifier)
		if err != nil {
			return nil, fmt.Errorf("failed to load transcript: %w", err)
		}
		a.messages = messages
		for _, msg := range messages {
			if msg.ID >= a.nextMsgID {
				a.nextMsgID = msg.ID
			}
		}
		// The restored transcript already holds the entry message for the
		// current state; only that one must not render again.
		if len(messages) > 0 {
			a.rendered[a.machine.State()] = true
		}
		slog.Info("conversation.New: session restored",
			"identifier", identifier, "state", a.machine.State(), "messages", len(messages))
	} else {
		a.machine = fsm.New()
		a.createdAt = time.Now()
	}

	a.mu.Lock()
	if record == nil && a.resetNotice {
		a.appendBotLocked(msgSessionReset, nil, false)
	}
	a.renderEntryLocked(a.machine.State())
	a.mu.Unlock()
	a.persistSession()
	return a, nil
}

// Identifier returns the session identifier this adapter serves.
func (a *Adapter) Identifier() string {
	return a.identifier
}

// State returns the current conversation state.
func (a *Adapter) State() models.ConversationState {
	return a.machine.State()
}

// Uploads exposes the upload coordinator for the HTTP surface.
func (a *Adapter) Uploads() *upload.Coordinator {
	return a.uploads
}

// Messages returns a snapshot of the transcript in order.
func (a *Adapter) Messages() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// HandleButton processes a button click. The button's display label is
// appended as a user message, then the corresponding transition is applied.
// A click that no longer matches the current state is logged and ignored.
func (a *Adapter) HandleButton(ctx context.Context, value string) error {
	if value == ActionResendCode {
		return a.handleResend(ctx)
	}

	transition := models.Transition(value)

	a.mu.Lock()
	if !a.machine.CanTransition(transition) {
		state := a.machine.State()
		a.mu.Unlock()
		slog.Warn("conversation.HandleButton: stray click ignored",
			"identifier", a.identifier, "state", state, "value", value)
		return nil
	}
	if transition == models.TransitionDocumentsUploaded && !a.uploads.ContinueAllowed() {
		a.appendBotLocked(msgContinueBlocked, nil, false)
		a.mu.Unlock()
		return nil
	}
	a.appendUserLocked(fsm.DisplayValueFor(value))
	a.applyTransitionLocked(transition)
	a.mu.Unlock()

	a.persistSession()
	return nil
}

// HandleText processes free-form user input, routed by the current state.
func (a *Adapter) HandleText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	switch a.machine.State() {
	case models.StateCollectingName:
		a.handleName(text)
	case models.StateCollectingEmail:
		return a.handleEmail(ctx, text)
	case models.StateEmailCodeSent:
		return a.handleCode(ctx, text)
	default:
		a.mu.Lock()
		a.appendUserLocked(text)
		a.appendBotLocked(msgOffScript, nil, false)
		a.mu.Unlock()
		slog.Debug("conversation.HandleText: off-script input",
			"identifier", a.identifier, "state", a.machine.State())
	}
	return nil
}

// TypingDone marks a typing-indicator message as fully revealed. When the
// message is the entry message of an auto-advance state, the delayed
// transition is armed; it fires once and is cancelled on state exit.
func (a *Adapter) TypingDone(messageID int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for n := range a.messages {
		if a.messages[n].ID == messageID && a.messages[n].IsTyping {
			a.messages[n].IsTyping = false
			a.persistMessageLocked(a.messages[n])
			break
		}
	}

	if a.pending == nil || a.pending.messageID != messageID {
		return
	}
	transition := a.pending.transition
	a.pending = nil

	id, err := a.scheduler.ScheduleAfter(a.typingDelay, func() {
		a.mu.Lock()
		if a.machine.CanTransition(transition) {
			a.applyTransitionLocked(transition)
		}
		a.mu.Unlock()
		a.persistSession()
	})
	if err != nil {
		slog.Error("conversation.TypingDone: failed to schedule auto-advance",
			"identifier", a.identifier, "error", err)
		return
	}
	a.autoTimerID = id
}

// Discard tears the conversation down and deletes everything persisted under
// its identifier. Used on full session reset, where the identifier rotates
// and a fresh adapter takes over under the replacement.
func (a *Adapter) Discard(ctx context.Context) {
	a.mu.Lock()
	a.cancelAutoLocked()
	a.mu.Unlock()
	a.scheduler.Stop()
	a.verify.Stop()
	a.uploads.Clear(ctx)

	if err := a.store.DeleteMessages(a.identifier); err != nil {
		slog.Error("conversation.Discard: failed to delete transcript", "identifier", a.identifier, "error", err)
	}
	if err := a.store.DeleteSession(a.identifier); err != nil {
		slog.Error("conversation.Discard: failed to delete session", "identifier", a.identifier, "error", err)
	}
	slog.Info("conversation.Discard: conversation discarded", "identifier", a.identifier)
}

// Close cancels pending timers and the cooldown. Safe to call once on
// teardown.
func (a *Adapter) Close() {
	a.mu.Lock()
	a.cancelAutoLocked()
	a.mu.Unlock()
	a.scheduler.Stop()
	a.verify.Stop()
	a.uploads.Wait()
}

func (a *Adapter) handleName(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.appendUserLocked(text)
	if !namePattern.MatchString(text) {
		a.appendBotLocked(msgNameRejected, nil, false)
		return
	}
	a.userName = text
	a.applyTransitionLocked(models.TransitionNameProvided)
	a.persistSessionLocked()
}

func (a *Adapter) handleEmail(ctx context.Context, email string) error {
	a.mu.Lock()
	a.appendUserLocked(email)
	a.mu.Unlock()

	outcome, err := a.verify.SubmitEmail(ctx, email)
	if err != nil {
		return err
	}
	if outcome.Reset {
		// A full reset discarded this conversation and deleted its rows. The
		// replacement conversation renders the notice; writing anything here
		// would resurrect the dead session.
		return nil
	}

	a.mu.Lock()
	if outcome.Success {
		a.userEmail = email
		// Two hops: CollectingEmail enters the sending state, then the
		// outcome decides between code-sent and failure.
		a.applyTransitionLocked(models.TransitionEmailProvided)
	}
	if outcome.Message != "" {
		a.appendBotLocked(outcome.Message, nil, false)
	}
	if outcome.NextTransition != "" {
		if !outcome.Success {
			a.applyTransitionLocked(models.TransitionEmailProvided)
		}
		a.applyTransitionLocked(outcome.NextTransition)
	}
	a.mu.Unlock()

	a.persistSession()
	return nil
}

func (a *Adapter) handleCode(ctx context.Context, code string) error {
	a.mu.Lock()
	a.appendUserLocked(code)
	a.mu.Unlock()

	outcome, err := a.verify.SubmitCode(ctx, code)
	if err != nil {
		return err
	}
	if outcome.Reset {
		return nil
	}

	a.mu.Lock()
	if outcome.Message != "" {
		a.appendBotLocked(outcome.Message, nil, false)
	}
	if outcome.NextTransition != "" {
		a.applyTransitionLocked(outcome.NextTransition)
	}
	a.mu.Unlock()

	a.persistSession()
	return nil
}

func (a *Adapter) handleResend(ctx context.Context) error {
	outcome, err := a.verify.ResendCode(ctx)
	if err != nil {
		return err
	}
	if outcome.Reset {
		return nil
	}
	a.mu.Lock()
	if outcome.Message != "" {
		a.appendBotLocked(outcome.Message, nil, false)
	}
	a.mu.Unlock()
	return nil
}

// applyTransitionLocked drives the machine and renders the entry content of
// the new state. A pending auto-advance from the previous state is cancelled
// first so a timer can never fire against a state it no longer belongs to.
func (a *Adapter) applyTransitionLocked(t models.Transition) {
	a.cancelAutoLocked()
	prev := a.machine.State()
	next, err := a.machine.Transition(t)
	if err != nil {
		slog.Warn("conversation: transition ignored",
			"identifier", a.identifier, "state", a.machine.State(), "transition", t)
		return
	}
	// Leaving a state re-arms its entry script for a later re-entry, so a
	// retry loop renders its prompt every time around.
	delete(a.rendered, prev)
	a.renderEntryLocked(next)
}

// renderEntryLocked appends the bot entry message for a state exactly once
// per entry.
func (a *Adapter) renderEntryLocked(state models.ConversationState) {
	if a.rendered[state] {
		return
	}
	script, ok := entryScripts[state]
	if !ok {
		return
	}
	a.rendered[state] = true
	msg := a.appendBotLocked(script.text, script.buttons, script.typing)
	if script.auto != "" {
		a.pending = &pendingAuto{messageID: msg.ID, transition: script.auto}
	}
}

func (a *Adapter) appendUserLocked(text string) models.Message {
	return a.appendLocked(models.Message{Text: text, Sender: models.SenderUser})
}

func (a *Adapter) appendBotLocked(text string, buttons []models.Button, typing bool) models.Message {
	return a.appendLocked(models.Message{Text: text, Sender: models.SenderBot, Buttons: buttons, IsTyping: typing})
}

func (a *Adapter) appendLocked(msg models.Message) models.Message {
	a.nextMsgID++
	msg.ID = a.nextMsgID
	msg.SentAt = time.Now()
	a.messages = append(a.messages, msg)
	a.persistMessageLocked(msg)
	return msg
}

func (a *Adapter) persistMessageLocked(msg models.Message) {
	if err := a.store.AppendMessage(a.identifier, msg); err != nil {
		slog.Error("conversation: failed to persist message",
			"identifier", a.identifier, "messageID", msg.ID, "error", err)
	}
}

func (a *Adapter) cancelAutoLocked() {
	a.pending = nil
	if a.autoTimerID != "" {
		if err := a.scheduler.Cancel(a.autoTimerID); err != nil {
			slog.Debug("conversation: auto-advance cancel failed", "identifier", a.identifier, "error", err)
		}
		a.autoTimerID = ""
	}
}

func (a *Adapter) persistSession() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.persistSessionLocked()
}

func (a *Adapter) persistSessionLocked() {
	rec := models.SessionRecord{
		Identifier:   a.identifier,
		CurrentState: a.machine.State(),
		UserName:     a.userName,
		UserEmail:    a.userEmail,
		CreatedAt:    a.createdAt,
		UpdatedAt:    time.Now(),
	}
	if err := a.store.SaveSession(rec); err != nil {
		slog.Error("conversation: failed to persist session", "identifier", a.identifier, "error", err)
	}
}
