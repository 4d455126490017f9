package jobs

import "time"

// Status はジョブ全体の粗い実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal は completed / failed のいずれかであるかを返します。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Step はパイプライン上の現在の工程を表します。値は外部公開用で、バージョン間で変更しません。
type Step string

const (
	StepUploaded     Step = "uploaded"
	StepConverting   Step = "converting"
	StepTranscribing Step = "transcribing"
	StepAligning     Step = "aligning"
	StepDiarizing    Step = "diarizing"
	StepExtracting   Step = "extracting"
	StepFinalizing   Step = "finalizing"
	StepCompleted    Step = "completed"
)

// Steps は成功時に通過する工程の固定順序です。
var Steps = []Step{
	StepUploaded,
	StepConverting,
	StepTranscribing,
	StepAligning,
	StepDiarizing,
	StepExtracting,
	StepFinalizing,
	StepCompleted,
}

// Index は工程の順序番号を返します。未知の工程は -1 です。
func (s Step) Index() int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID            string     `json:"jobId"`
	OriginalFilename string     `json:"originalFilename"`
	FileSize         int64      `json:"fileSize"`
	Status           Status     `json:"status"`
	Step             Step       `json:"step"`
	Progress         int        `json:"progress"`
	Message          string     `json:"message,omitempty"`
	Owner            string     `json:"owner,omitempty"`
	SpeakerCount     int        `json:"speakerCount,omitempty"`
	OutputDir        string     `json:"outputDir,omitempty"`
	TranscriptPath   string     `json:"transcriptPath,omitempty"`
	Error            *ErrorInfo `json:"error,omitempty"`
	CancelRequested  bool       `json:"cancelRequested,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Clone はポインタ項目も含めて複製します。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Track は話者ごとに抽出された音声トラックを表します。
type Track struct {
	JobID           string    `json:"jobId"`
	SpeakerLabel    string    `json:"speakerLabel"`
	DisplayLabel    string    `json:"displayLabel"`
	AudioPath       string    `json:"audioPath"`
	DurationSeconds float64   `json:"durationSeconds"`
	WordCount       int       `json:"wordCount"`
	FileSize        int64     `json:"fileSize"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Label は表示用の話者名を返します。未設定の場合は話者IDです。
func (t Track) Label() string {
	if t.DisplayLabel != "" {
		return t.DisplayLabel
	}
	return t.SpeakerLabel
}
