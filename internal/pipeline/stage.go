package pipeline

// Stage 消息处理进度
type Stage int

const (
	StageReceived Stage = iota
	StageDeserialized
	StageProcessed
	StagePersisted
	StageAcknowledged
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageDeserialized:
		return "deserialized"
	case StageProcessed:
		return "processed"
	case StagePersisted:
		return "persisted"
	case StageAcknowledged:
		return "acknowledged"
	default:
		return "unknown"
	}
}
