package companion

import "time"

// Phase is a step of the onboarding protocol.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseAwaitingPhotos      Phase = "awaiting_photos"
	PhaseTrainingImage       Phase = "training_image"
	PhaseAwaitingVoice       Phase = "awaiting_voice"
	PhaseTrainingVoice       Phase = "training_voice"
	PhaseAwaitingPersonality Phase = "awaiting_personality"
	PhaseCompleted           Phase = "completed"
)

// JobType names the modality a training job works on.
type JobType string

const (
	JobTypeImage JobType = "training.image"
	JobTypeVoice JobType = "training.voice"
)

// JobStatus is the lifecycle position of a training job. Failed is not
// terminal: a failed job can always be requeued.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusTraining  JobStatus = "training"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusDegraded  JobStatus = "degraded"
	StatusCanceled  JobStatus = "canceled"
)

// Active reports whether the job still occupies the ledger.
func (s JobStatus) Active() bool {
	return s == StatusQueued || s == StatusTraining
}

// Tier is the quality level a training run achieved, best first:
// lora, embedding, reference.
type Tier string

const (
	TierLoRA      Tier = "lora"
	TierEmbedding Tier = "embedding"
	TierReference Tier = "reference"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierLoRA, TierEmbedding, TierReference:
		return true
	}
	return false
}

// Job is one unit of asynchronous training work.
type Job struct {
	ID               string    `json:"id"`
	Type             JobType   `json:"type"`
	Status           JobStatus `json:"status"`
	Progress         int       `json:"progress"`
	CurrentTier      Tier      `json:"currentTier,omitempty"`
	EstimatedTime    string    `json:"estimatedTime"`
	FallbackStrategy string    `json:"fallbackStrategy"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	Message          string    `json:"message,omitempty"`
	Error            string    `json:"error,omitempty"`
	Attempts         int       `json:"attempts"`
	CheckpointPath   string    `json:"checkpointPath,omitempty"`
}

// Assets holds the profile-local copies of everything the user submitted.
type Assets struct {
	Photos          []string `json:"photos"`
	VoiceSample     string   `json:"voiceSample"`
	PersonalityText string   `json:"personalityText"`
}

// TrainingJobs points at the current job of each modality.
type TrainingJobs struct {
	ImageJobID string `json:"imageJobId,omitempty"`
	VoiceJobID string `json:"voiceJobId,omitempty"`
}

// Wizard is the onboarding aggregate of one session.
type Wizard struct {
	SessionID      string       `json:"sessionId"`
	BoundSessionID string       `json:"boundSessionId"`
	Phase          Phase        `json:"state"`
	StartedAt      time.Time    `json:"startedAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	Assets         Assets       `json:"assets"`
	TrainingJobs   TrainingJobs `json:"trainingJobs"`
	Jobs           []Job        `json:"jobs"`
}

// HasAssets reports whether anything has been submitted.
func (w Wizard) HasAssets() bool {
	return len(w.Assets.Photos) > 0 || w.Assets.VoiceSample != "" || w.Assets.PersonalityText != ""
}

// Job returns the job with the given id.
func (w Wizard) Job(id string) (Job, bool) {
	for _, j := range w.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}

func (w Wizard) jobIndex(id string) int {
	for i, j := range w.Jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

// clone deep-copies the slices so a mutation of the copy never leaks into
// the original.
func (w Wizard) clone() Wizard {
	out := w
	out.Assets.Photos = append([]string{}, w.Assets.Photos...)
	out.Jobs = append([]Job{}, w.Jobs...)
	return out
}

// JobRef is a job together with the session that owns it.
type JobRef struct {
	SessionID string `json:"sessionId"`
	Job       Job    `json:"job"`
}

// ModalityStatus is the backend-facing training status of one modality.
type ModalityStatus string

const (
	ModalityPending   ModalityStatus = "pending"
	ModalityTraining  ModalityStatus = "training"
	ModalityCompleted ModalityStatus = "completed"
	ModalityFailed    ModalityStatus = "failed"
	ModalityDegraded  ModalityStatus = "degraded"
	ModalityCanceled  ModalityStatus = "canceled"
)

// Metadata is the minimal summary the execution backend reads, derived
// from the wizard document on every write.
type Metadata struct {
	ProfileID      string         `json:"profileId"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	Version        string         `json:"version"`
	Assets         MetadataAssets `json:"assets"`
	TrainingStatus TrainingStatus `json:"trainingStatus"`
	SessionBinding SessionBinding `json:"sessionBinding"`
}

type MetadataAssets struct {
	Photos  PhotoAssets  `json:"photos"`
	Voice   VoiceAsset   `json:"voice"`
	Persona PersonaAsset `json:"persona"`
}

// PhotoAssets paths are relative to the profile directory.
type PhotoAssets struct {
	Count     int      `json:"count"`
	Paths     []string `json:"paths"`
	Checksums []string `json:"checksums"`
}

type VoiceAsset struct {
	HasSample bool    `json:"hasSample"`
	Duration  float64 `json:"duration"`
	ModelType string  `json:"modelType"`
}

type PersonaAsset struct {
	SourceText      string `json:"sourceText"`
	GeneratedPrompt string `json:"generatedPrompt"`
}

type TrainingStatus struct {
	Image ModalityStatus `json:"image"`
	Voice ModalityStatus `json:"voice"`
}

type SessionBinding struct {
	ClientSessionID string `json:"clientSessionId"`
	DaemonSessionID string `json:"daemonSessionId"`
}

// Persona is the persisted personality document.
type Persona struct {
	SourceText      string    `json:"sourceText"`
	GeneratedPrompt string    `json:"generatedPrompt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// SessionSummary is one entry of the session index.
type SessionSummary struct {
	SessionID      string    `json:"sessionId"`
	BoundSessionID string    `json:"boundSessionId"`
	Phase          Phase     `json:"state"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
