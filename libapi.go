package sagaflow

import (
	runtimepkg "github.com/drblury/sagaflow/internal/runtime"
	"github.com/drblury/sagaflow/internal/runtime/clock"
	configpkg "github.com/drblury/sagaflow/internal/runtime/config"
	"github.com/drblury/sagaflow/internal/runtime/dlq"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/event"
	"github.com/drblury/sagaflow/internal/runtime/idempotency"
	idspkg "github.com/drblury/sagaflow/internal/runtime/ids"
	"github.com/drblury/sagaflow/internal/runtime/inspect"
	jsoncodec "github.com/drblury/sagaflow/internal/runtime/jsoncodec"
	"github.com/drblury/sagaflow/internal/runtime/kv"
	"github.com/drblury/sagaflow/internal/runtime/lock"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/sagaflow/internal/runtime/metadata"
	"github.com/drblury/sagaflow/internal/runtime/operation"
	"github.com/drblury/sagaflow/internal/runtime/saga"
	"github.com/drblury/sagaflow/transport"
	_ "github.com/drblury/sagaflow/transport/channel"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	// Persistence
	Store        = kv.Store
	StoreRecord  = kv.Record
	StoreOptions = kv.Options
	Clock        = clock.Clock
	ManualClock  = clock.Manual

	// Idempotency
	IdempotencyStore  = idempotency.Store
	IdempotencyRecord = idempotency.Record
	IdempotencyStatus = idempotency.Status

	// Locks
	LockStore  = lock.Store
	LockHandle = lock.Handle
	LockEntry  = lock.Entry

	// Events and the channel
	Event            = event.Event
	EventOption      = event.Option
	Codec            = event.Codec
	JSONCodec        = event.JSONCodec
	BinaryCodec      = event.BinaryCodec
	CloudEventsCodec = event.CloudEventsCodec
	SchemaCodec      = event.SchemaCodec
	CodecRegistry    = event.Registry
	Channel          = runtimepkg.Channel
	ChannelConfig    = runtimepkg.ChannelConfig
	Handler          = runtimepkg.Handler
	SubscribeOptions = runtimepkg.SubscribeOptions
	RetryPolicy      = runtimepkg.RetryPolicy
	Delivery         = runtimepkg.Delivery

	// Dead letters
	DeadLetterStore = dlq.Store
	DeadLetterEntry = dlq.Entry

	// Sagas
	SagaEngine         = saga.Engine
	SagaDefinition     = saga.Definition
	SagaStep           = saga.Step
	SagaStepContext    = saga.StepContext
	SagaAction         = saga.Action
	SagaRetryPolicy    = saga.RetryPolicy
	SagaWorkflow       = saga.Workflow
	SagaStatus         = saga.Status
	SagaStepState      = saga.StepState
	SagaLifecycleEvent = saga.LifecycleEvent

	// Operations
	OperationManager = operation.Manager
	Operation        = operation.Operation
	OperationStatus  = operation.Status
	OperationRequest = operation.Request
	OperationFunc    = operation.Func
	OperationResult  = operation.Result
	KeyRequest       = operation.KeyRequest
	OperationOutcome = operation.OutcomeEvent

	// Inspection
	Inspector             = inspect.Inspector
	InspectSources        = inspect.Sources
	InspectHandlerOptions = inspect.HandlerOptions

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	HandlerInfo           = runtimepkg.HandlerInfo
	HandlerStats          = runtimepkg.HandlerStats
	ConfigValidationError = errspkg.ConfigValidationError
	StepExecutionError    = errspkg.StepExecutionError
	CompensationError     = errspkg.CompensationError
	TransportError        = errspkg.TransportError
	CodecError            = errspkg.CodecError
	RetryAfterError       = errspkg.RetryAfterError
	DeadLetterError       = errspkg.DeadLetterError
	Outcome               = errspkg.Outcome

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Metrics
	DLQMetrics         = runtimepkg.DLQMetrics
	DLQTopicMetrics    = runtimepkg.DLQTopicMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot
	ConsumerMetrics    = runtimepkg.ConsumerMetrics

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Transports
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	// Persistence
	OpenStore      = kv.Open
	NewMemoryStore = kv.NewMemoryStore
	OpenSQLite     = kv.OpenSQLite
	OpenPostgres   = kv.OpenPostgres
	RunSweeper     = kv.RunSweeper
	NewManualClock = clock.NewManual

	// Idempotency
	NewIdempotencyStore = idempotency.NewStore
	DeriveKey           = idempotency.DeriveKey
	StepKey             = idempotency.StepKey

	// Locks
	NewLockStore = lock.NewStore

	// Events and the channel
	NewEvent         = event.New
	WithKey          = event.WithKey
	WithTenant       = event.WithTenant
	WithHeader       = event.WithHeader
	WithHeaders      = event.WithHeaders
	NewCodec         = event.NewCodec
	NewCodecRegistry = event.NewRegistry
	NewSchemaCodec   = event.NewSchemaCodec
	NewChannel       = runtimepkg.NewChannel

	// Dead letters
	NewDeadLetterStore = dlq.NewStore
	DeadLetterTopic    = dlq.Topic

	// Sagas
	NewSagaEngine = saga.NewEngine

	// Operations
	NewOperationManager = operation.NewManager

	// Inspection
	NewInspector      = inspect.New
	NewInspectHandler = inspect.NewHandler

	DefaultMiddlewares       = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware  = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware    = runtimepkg.LogMessagesMiddleware
	TracerMiddleware         = runtimepkg.TracerMiddleware
	MetricsMiddleware        = runtimepkg.MetricsMiddleware
	TimeoutMiddleware        = runtimepkg.TimeoutMiddleware
	RecovererMiddleware      = runtimepkg.RecovererMiddleware
	CorrelationIDFromContext = runtimepkg.CorrelationIDFromContext
	DeliveryFromContext      = runtimepkg.DeliveryFromContext

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	// Metrics
	NewDLQMetrics      = runtimepkg.NewDLQMetrics
	NewConsumerMetrics = runtimepkg.NewConsumerMetrics

	// Error helpers
	RetryAfter    = errspkg.RetryAfter
	DeadLetter    = errspkg.DeadLetter
	ClassifyError = errspkg.ClassifyError
	IsRetryable   = errspkg.IsRetryable

	// Transports
	DefaultTransportRegistry = transport.DefaultRegistry
	NewTransportRegistry     = transport.NewRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode
	NewDecoder    = jsoncodec.NewDecoder

	ErrNotFound          = errspkg.ErrNotFound
	ErrAlreadyInProgress = errspkg.ErrAlreadyInProgress
	ErrLockTimeout       = errspkg.ErrLockTimeout
	ErrLockLost          = errspkg.ErrLockLost
	ErrStepExecution     = errspkg.ErrStepExecution
	ErrCompensation      = errspkg.ErrCompensation
	ErrTransport         = errspkg.ErrTransport
	ErrCodec             = errspkg.ErrCodec
	ErrValidation        = errspkg.ErrValidation
	ErrStoreRequired     = errspkg.ErrStoreRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrHandlerRequired   = errspkg.ErrHandlerRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrGroupRequired     = errspkg.ErrGroupRequired
	ErrKeyRequired       = errspkg.ErrKeyRequired
	ErrNameRequired      = errspkg.ErrNameRequired
	ErrNoSteps           = errspkg.ErrNoSteps
	ErrClosed            = errspkg.ErrClosed
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrRetry             = errspkg.ErrRetry
	ErrDeadLetter        = errspkg.ErrDeadLetter
	ErrSkip              = errspkg.ErrSkip
	ErrUnprocessable     = errspkg.ErrUnprocessable

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.NopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
	NewEventID = idspkg.NewEventID
)

// Status values of idempotency keys, sagas and operations.
const (
	KeyPending   = idempotency.StatusPending
	KeyCompleted = idempotency.StatusCompleted
	KeyFailed    = idempotency.StatusFailed

	SagaPending      = saga.StatusPending
	SagaRunning      = saga.StatusRunning
	SagaCompleted    = saga.StatusCompleted
	SagaFailed       = saga.StatusFailed
	SagaCompensating = saga.StatusCompensating
	SagaCompensated  = saga.StatusCompensated

	OperationPending   = operation.StatusPending
	OperationRunning   = operation.StatusRunning
	OperationCompleted = operation.StatusCompleted
	OperationFailed    = operation.StatusFailed
	OperationCancelled = operation.StatusCancelled
)

// Event types published by the saga engine and the operation manager.
const (
	EventSagaStarted       = saga.EventStarted
	EventSagaStepCompleted = saga.EventStepCompleted
	EventSagaStepFailed    = saga.EventStepFailed
	EventSagaCompleted     = saga.EventCompleted
	EventSagaCompensated   = saga.EventCompensated

	EventOperationCompleted = operation.EventCompleted
	EventOperationFailed    = operation.EventFailed
)

// Outcomes returned by ClassifyError.
const (
	OutcomeAck        = errspkg.OutcomeAck
	OutcomeRetry      = errspkg.OutcomeRetry
	OutcomeDeadLetter = errspkg.OutcomeDeadLetter
	OutcomeSkip       = errspkg.OutcomeSkip
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone      = runtimepkg.ErrorCategoryNone
	ErrorCategoryCodec     = runtimepkg.ErrorCategoryCodec
	ErrorCategoryTransport = runtimepkg.ErrorCategoryTransport
	ErrorCategoryTimeout   = runtimepkg.ErrorCategoryTimeout
	ErrorCategoryLock      = runtimepkg.ErrorCategoryLock
	ErrorCategorySaga      = runtimepkg.ErrorCategorySaga
	ErrorCategoryPanic     = runtimepkg.ErrorCategoryPanic
	ErrorCategoryOther     = runtimepkg.ErrorCategoryOther
)

// Codec names accepted by NewCodec.
const (
	CodecJSON   = event.CodecJSON
	CodecPretty = event.CodecPretty
	CodecBinary = event.CodecBinary

	CodecCloudEvents = event.CodecCloudEvents
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
