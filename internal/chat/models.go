package chat

import "time"

type Chat struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"chat_id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Label     string    `gorm:"type:varchar(255);not null;default:''" json:"label"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

type Message struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatID           string    `gorm:"type:varchar(36);not null;index:idx_chat_msg_user_chat_id,priority:2" json:"chat_id"`
	UserID           uint64    `gorm:"not null;index:idx_chat_msg_user_chat_id,priority:1" json:"-"`
	AIModelID        uint64    `gorm:"index" json:"-"`
	Role             string    `gorm:"type:varchar(16);index;not null" json:"role"`
	Content          string    `gorm:"type:text;not null" json:"content"`
	PromptTokens     int       `gorm:"not null;default:0" json:"prompt_tokens"`
	CompletionTokens int       `gorm:"not null;default:0" json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// AIModel is the model catalog row: a public model name plus the credential
// and provider family used to serve it.
type AIModel struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name          string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"name"`
	Family        string    `gorm:"type:varchar(32);not null" json:"family"`
	APIKey        string    `gorm:"type:varchar(255);not null;default:''" json:"-"`
	MaxInputToken int       `gorm:"not null;default:0" json:"max_input_token"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (AIModel) TableName() string { return "ai_models" }

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is one queued generation run, used when asks are dispatched through
// RabbitMQ to a worker instead of an in-process goroutine.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID uint64 `gorm:"index;not null"`
	ChatID string `gorm:"size:36;index;not null"`

	Model  string `gorm:"type:varchar(64);not null"`
	Prompt string `gorm:"type:text;not null"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
