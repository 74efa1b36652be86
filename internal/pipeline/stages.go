package pipeline

// Pipeline stages in execution order.
const (
	StageQueued        = "queued"
	StageDownloading   = "downloading"
	StageSpeechDetect  = "speech_detecting"
	StageTranscribing  = "transcribing"
	StageBoundary      = "ai_boundary"
	StageMetadata      = "ai_metadata"
	StagePublishDecide = "ai_publish_decision"
	StageExtracting    = "extracting_segment"
	StageAssembling    = "assembling"
	StageUploading     = "uploading"
	StageRecording     = "recording"
	StageComplete      = "complete"
)

// Stages lists every stage in order. Progress never moves backwards through it.
var Stages = []string{
	StageQueued,
	StageDownloading,
	StageSpeechDetect,
	StageTranscribing,
	StageBoundary,
	StageMetadata,
	StagePublishDecide,
	StageExtracting,
	StageAssembling,
	StageUploading,
	StageRecording,
	StageComplete,
}

var stageProgress = map[string]int{
	StageQueued:        0,
	StageDownloading:   5,
	StageSpeechDetect:  15,
	StageTranscribing:  25,
	StageBoundary:      45,
	StageMetadata:      55,
	StagePublishDecide: 62,
	StageExtracting:    70,
	StageAssembling:    80,
	StageUploading:     88,
	StageRecording:     95,
	StageComplete:      100,
}

// Progress is the fixed percentage reported on entering stage.
func Progress(stage string) int {
	return stageProgress[stage]
}
