package models

import (
	"time"
)

// NATS subjects
const (
	SubjectDeviceStage    = "ambit.device.%s.stage"
	SubjectDeviceProgress = "ambit.device.%s.progress"
	SubjectDeviceEvent    = "ambit.device.%s.event"
	SubjectUpload         = "ambit.upload.%s.%s"
)

// StageMessage is published on every stage transition
type StageMessage struct {
	Serial string    `json:"serial"`
	Handle string    `json:"handle"`
	Stage  SyncStage `json:"stage"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// ProgressMessage is published after each log of DownloadingLogs
type ProgressMessage struct {
	Serial string    `json:"serial"`
	Index  int       `json:"index"`
	Total  int       `json:"total"`
	Time   time.Time `json:"time"`
}

// NoticeMessage carries warnings and per-log failures of a sync
type NoticeMessage struct {
	Serial      string     `json:"serial"`
	Type        EventType  `json:"type"`
	Level       EventLevel `json:"level"`
	Description string     `json:"description"`
	Details     Variables  `json:"details,omitempty"`
	Time        time.Time  `json:"time"`
}

// UploadMessage is published when a ticket changes status
type UploadMessage struct {
	TicketID  string       `json:"ticketId"`
	Serial    string       `json:"serial"`
	LogID     uint32       `json:"logId"`
	Status    TicketStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	AckID     string       `json:"ackId,omitempty"`
	LastError string       `json:"lastError,omitempty"`
	Time      time.Time    `json:"time"`
}

// Live message types pushed to status clients
const (
	MessageStage    = "stage"
	MessageProgress = "progress"
	MessageNotice   = "notice"
	MessageUpload   = "upload"
)
