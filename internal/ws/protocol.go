package ws

import "github.com/krpothula/cryoprocess/internal/model"

// inboundType is the closed set of message types a client may send
// (spec.md §4.6).
type inboundType string

const (
	inSubscribe    inboundType = "subscribe"
	inUnsubscribe  inboundType = "unsubscribe"
	inPing         inboundType = "ping"
	inGetLiveState inboundType = "get_live_state"
)

// channelProjectPrefix is the channel-name encoding of a project subscription
// (spec.md §4.6 "project:<P>", §8 scenario 5's literal error channel).
const channelProjectPrefix = "project:"

// inboundMessage is the envelope every client frame is parsed into before
// dispatch. subscribe/unsubscribe key off ProjectID or Channel (one of
// "project:<id>"); get_live_state keys off SessionID.
type inboundMessage struct {
	Type      inboundType `json:"type"`
	ProjectID string      `json:"projectId,omitempty"`
	Channel   string      `json:"channel,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
}

// outboundType is the closed set of message types the Hub sends.
type outboundType string

const (
	outConnected         outboundType = "connected"
	outSubscribed        outboundType = "subscribed"
	outUnsubscribed      outboundType = "unsubscribed"
	outError             outboundType = "error"
	outPong              outboundType = "pong"
	outJobUpdate         outboundType = "job_update"
	outJobProgress       outboundType = "job_progress"
	outLiveSessionUpdate outboundType = "live_session_update"
	outLiveSessionState  outboundType = "live_session_state"
)

// outboundMessage is the envelope every frame sent to a client uses. Message
// and Channel are flat fields (rather than nested in Payload) so an error
// frame can match spec.md §8 scenario 5's literal shape:
// {type:"error",message:"...",channel:"project:P"}.
type outboundMessage struct {
	Type    outboundType `json:"type"`
	Message string       `json:"message,omitempty"`
	Channel string       `json:"channel,omitempty"`
	Payload any          `json:"payload,omitempty"`
}

type jobUpdatePayload struct {
	JobID             string `json:"jobId"`
	SessionID         string `json:"sessionId"`
	OldStatus         string `json:"oldStatus"`
	NewStatus         string `json:"newStatus"`
	RawSchedulerState string `json:"rawSchedulerState,omitempty"`
	Source            string `json:"source"`
}

type jobProgressPayload struct {
	JobID           string  `json:"jobId"`
	SessionID       string  `json:"sessionId"`
	StageKey        string  `json:"stageKey"`
	IterationCount  int     `json:"iterationCount"`
	TotalIterations int     `json:"totalIterations"`
	MicrographCount int     `json:"micrographCount"`
	ParticleCount   int     `json:"particleCount"`
	ProgressPercent float64 `json:"progressPercent"`
}

// liveSessionStatePayload is the full snapshot sent in response to
// get_live_state (spec.md §4.6).
type liveSessionStatePayload struct {
	Session *model.SessionState `json:"session"`
}
