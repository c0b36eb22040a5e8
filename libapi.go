package predictflow

import (
	runtimepkg "github.com/drblury/predictflow/internal/runtime"
	codecpkg "github.com/drblury/predictflow/internal/runtime/codec"
	configpkg "github.com/drblury/predictflow/internal/runtime/config"
	errspkg "github.com/drblury/predictflow/internal/runtime/errors"
	idspkg "github.com/drblury/predictflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/predictflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/predictflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/predictflow/internal/runtime/metadata"
	modelpkg "github.com/drblury/predictflow/internal/runtime/model"
	producerpkg "github.com/drblury/predictflow/internal/runtime/producer"
	sinkpkg "github.com/drblury/predictflow/internal/runtime/sink"
	transportpkg "github.com/drblury/predictflow/internal/runtime/transport"
)

type (
	Config = configpkg.Config

	ConsumerService      = runtimepkg.ConsumerService
	ConsumerDependencies = runtimepkg.ConsumerDependencies
	ProducerService      = runtimepkg.ProducerService
	ProducerDependencies = runtimepkg.ProducerDependencies

	Payload         = modelpkg.Payload
	PredictionBatch = modelpkg.PredictionBatch
	Prediction      = modelpkg.Prediction
	Record          = modelpkg.Record

	Codec             = codecpkg.Codec
	RecordWriter      = sinkpkg.Writer
	SinkOptions       = sinkpkg.Options
	Producer          = producerpkg.Producer
	TransportRegistry = transportpkg.Registry

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ValidationError      = errspkg.ValidationError
	FieldError           = errspkg.FieldError
	ConnectionError      = errspkg.ConnectionError
	DeserializationError = errspkg.DeserializationError
	WriteError           = errspkg.WriteError

	PipelineStats = runtimepkg.PipelineStats
	StatsResponse = runtimepkg.StatsResponse

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Poison queue metrics
	PipelineMetrics  = runtimepkg.PipelineMetrics
	PoisonQueueStats = runtimepkg.PoisonQueueStats

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory
)

var (
	NewConsumerService = runtimepkg.NewConsumerService
	NewProducerService = runtimepkg.NewProducerService
	DefaultConfig      = configpkg.Default
	ValidateConfig     = configpkg.ValidateConfig

	ParsePayload             = modelpkg.Parse
	LookupCodec              = codecpkg.Lookup
	OpenSink                 = sinkpkg.Open
	DefaultTransportRegistry = transportpkg.DefaultRegistry

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewPipelineMetrics = runtimepkg.NewPipelineMetrics

	WithCorrelationID = producerpkg.WithCorrelationID

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrPublisherRequired     = errspkg.ErrPublisherRequired
	ErrQueueRequired         = errspkg.ErrQueueRequired
	ErrSinkRequired          = errspkg.ErrSinkRequired
	ErrCodecRequired         = errspkg.ErrCodecRequired
	ErrPayloadRequired       = errspkg.ErrPayloadRequired
	ErrAcknowledgmentSkipped = errspkg.ErrAcknowledgmentSkipped

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyContentType   = metadatapkg.KeyContentType
	MetadataKeyPayloadSchema = metadatapkg.KeyPayloadSchema
	MetadataKeyPublishedAt   = metadatapkg.KeyPublishedAt
)

const (
	LowProbThreshold = modelpkg.LowProbThreshold
	LowProbTag       = modelpkg.LowProbTag
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone      = runtimepkg.ErrorCategoryNone
	ErrorCategoryDecode    = runtimepkg.ErrorCategoryDecode
	ErrorCategoryTransport = runtimepkg.ErrorCategoryTransport
	ErrorCategorySink      = runtimepkg.ErrorCategorySink
	ErrorCategoryOther     = runtimepkg.ErrorCategoryOther
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
