package core

import "time"

// SessionStatus is the lifecycle state of an upload session.
type SessionStatus string

const (
	StatusInitialized SessionStatus = "initialized"
	StatusAnalyzed    SessionStatus = "analyzed"
	StatusMapped      SessionStatus = "mapped"
	StatusValidated   SessionStatus = "validated"
	StatusExecuting   SessionStatus = "executing"
	StatusCompleted   SessionStatus = "completed"
	StatusCancelled   SessionStatus = "cancelled"
	StatusFailed      SessionStatus = "failed"
)

// FileFormat is a detected upload format.
type FileFormat string

const (
	FormatCSV  FileFormat = "csv"
	FormatJSON FileFormat = "json"
	FormatXLSX FileFormat = "xlsx"
	FormatXLS  FileFormat = "xls"
)

// FileInfo describes an uploaded file.
type FileInfo struct {
	Name     string     `json:"name"`
	Size     int64      `json:"size"`
	Format   FileFormat `json:"format"`
	MIMEType string     `json:"mimeType,omitempty"`
}

// PrimitiveType is the type inferred for a source column.
type PrimitiveType string

const (
	TypeString  PrimitiveType = "string"
	TypeNumber  PrimitiveType = "number"
	TypeBoolean PrimitiveType = "boolean"
	TypeDate    PrimitiveType = "date"
)

// SourceField is the profile of one column of an uploaded file.
type SourceField struct {
	Name             string        `json:"name"`
	Type             PrimitiveType `json:"type"`
	SampleValues     []string      `json:"sampleValues"`
	NullPercentage   float64       `json:"nullPercentage"`
	UniquePercentage float64       `json:"uniquePercentage"`
	IsRequired       bool          `json:"isRequired"`
	Patterns         []string      `json:"patterns,omitempty"`

	// Enrichments, only set when requested.
	NormalizedName string        `json:"normalizedName,omitempty"`
	ExpandedName   string        `json:"expandedName,omitempty"`
	Stats          *NumericStats `json:"stats,omitempty"`
}

// NumericStats summarises a numeric column.
type NumericStats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// Strategy names the technique that produced a FieldMapping.
type Strategy string

const (
	StrategyExact       Strategy = "exact"
	StrategyFuzzy       Strategy = "fuzzy"
	StrategyHistorical  Strategy = "historical"
	StrategyStatistical Strategy = "statistical"
	StrategySemantic    Strategy = "semantic"
	StrategyManual      Strategy = "manual"
)

// FieldMapping maps one source field onto one target field.
type FieldMapping struct {
	SourceField string          `json:"sourceField"`
	TargetField string          `json:"targetField"`
	Confidence  float64         `json:"confidence"`
	Strategy    Strategy        `json:"strategy"`
	Metadata    MappingMetadata `json:"metadata,omitempty"`
}

// MappingMetadata explains how a mapping was found.
type MappingMetadata struct {
	MatchedVariation string `json:"matchedVariation,omitempty"`
	Pattern          string `json:"pattern,omitempty"`
	Reasoning        string `json:"reasoning,omitempty"`
}

// MappingCacheEntry is one learned source to target mapping.
type MappingCacheEntry struct {
	SourceField string    `json:"sourceField"`
	TargetField string    `json:"targetField"`
	Confidence  float64   `json:"confidence"`
	Strategy    Strategy  `json:"strategy"`
	UsageCount  int64     `json:"usageCount"`
	LastUsed    time.Time `json:"lastUsed"`
}

// Severity partitions validation issues into blocking and advisory.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// FixAction is a machine applicable correction.
type FixAction string

const (
	FixTrim          FixAction = "trim"
	FixLowercase     FixAction = "lowercase"
	FixCoerceNumber  FixAction = "coerce_number"
	FixCoerceInteger FixAction = "coerce_integer"
	FixNormalizeDate FixAction = "normalize_date"
	FixNormalizeEnum FixAction = "normalize_enum"
)

// AutoFix proposes a replacement value for a field.
type AutoFix struct {
	Action FixAction `json:"action"`
	Value  string    `json:"value"`
}

// ImportState is the state of an import execution.
type ImportState string

const (
	ImportReady     ImportState = "ready"
	ImportRunning   ImportState = "running"
	ImportCompleted ImportState = "completed"
	ImportCancelled ImportState = "cancelled"
	ImportFailed    ImportState = "failed"
)

// IsTerminal reports whether no further batches will run for this attempt.
func (s ImportState) IsTerminal() bool {
	return s == ImportCompleted || s == ImportCancelled || s == ImportFailed
}

// RecordFailure describes a record the product store rejected.
type RecordFailure struct {
	RecordIndex int    `json:"recordIndex"`
	SKU         string `json:"sku,omitempty"`
	Field       string `json:"field,omitempty"`
	Message     string `json:"message"`
	Attempts    int    `json:"attempts"`
	Permanent   bool   `json:"permanent"`
}

// ImportProgress is a snapshot of a running import.
type ImportProgress struct {
	Seq                    uint64          `json:"seq"`
	ExecutionID            string          `json:"executionId"`
	State                  ImportState     `json:"state"`
	Attempt                int             `json:"attempt"`
	TotalRecords           int             `json:"totalRecords"`
	ProcessedRecords       int             `json:"processedRecords"`
	SuccessfulRecords      int             `json:"successfulRecords"`
	FailedRecords          int             `json:"failedRecords"`
	BatchesTotal           int             `json:"batchesTotal"`
	BatchesDone            int             `json:"batchesDone"`
	ProcessingRate         float64         `json:"processingRate"`
	EstimatedTimeRemaining float64         `json:"estimatedTimeRemaining"`
	Errors                 []RecordFailure `json:"errors,omitempty"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// Percent returns processed records as a percentage of the total.
func (p ImportProgress) Percent() int {
	if p.TotalRecords <= 0 {
		return 0
	}
	return p.ProcessedRecords * 100 / p.TotalRecords
}

// ImportResult is the immutable summary of one import attempt.
type ImportResult struct {
	ExecutionID       string          `json:"executionId"`
	Attempt           int             `json:"attempt"`
	State             ImportState     `json:"state"`
	TotalRecords      int             `json:"totalRecords"`
	Created           int             `json:"created"`
	Updated           int             `json:"updated"`
	Failed            int             `json:"failed"`
	PermanentlyFailed int             `json:"permanentlyFailed"`
	DurationMs        int64           `json:"durationMs"`
	Errors            []RecordFailure `json:"errors,omitempty"`
	Syndication       []ChannelResult `json:"syndication,omitempty"`
	CompletedAt       time.Time       `json:"completedAt"`
}

// ChannelResult is the outcome of publishing to one syndication channel.
type ChannelResult struct {
	Channel    string `json:"channel"`
	Success    bool   `json:"success"`
	Products   int    `json:"products"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}
