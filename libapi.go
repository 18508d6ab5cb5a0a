package presto

import (
	runtimepkg "github.com/drblury/presto/internal/runtime"
	cachepkg "github.com/drblury/presto/internal/runtime/cache"
	configpkg "github.com/drblury/presto/internal/runtime/config"
	"github.com/drblury/presto/internal/runtime/envelope"
	errspkg "github.com/drblury/presto/internal/runtime/errors"
	idspkg "github.com/drblury/presto/internal/runtime/ids"
	ingresspkg "github.com/drblury/presto/internal/runtime/ingress"
	"github.com/drblury/presto/internal/runtime/jsoncodec"
	kernelspkg "github.com/drblury/presto/internal/runtime/kernels"
	loggingpkg "github.com/drblury/presto/internal/runtime/logging"
	metricspkg "github.com/drblury/presto/internal/runtime/metrics"
	processorpkg "github.com/drblury/presto/internal/runtime/processor"
	workerpkg "github.com/drblury/presto/internal/runtime/worker"
	"github.com/drblury/presto/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Runner              = runtimepkg.Runner
	RunnerFunc          = runtimepkg.RunnerFunc

	// Envelope and registry
	Message     = envelope.Message
	GenericItem = envelope.GenericItem
	ItemID      = envelope.ItemID
	Registry    = envelope.Registry
	Entry       = envelope.Entry
	Kernel      = envelope.Kernel
	KernelFunc  = envelope.KernelFunc

	// Result shapes
	Result         = envelope.Result
	MediaResult    = envelope.MediaResult
	VideoResult    = envelope.VideoResult
	Keyword        = envelope.Keyword
	KeywordsResult = envelope.KeywordsResult
	TextResult     = envelope.TextResult
	VectorResult   = envelope.VectorResult
	ErrorResult    = envelope.ErrorResult

	Worker           = workerpkg.Worker
	WorkerOptions    = workerpkg.Options
	WorkerDeps       = workerpkg.Dependencies
	WorkerHooks      = workerpkg.Hooks
	DispatchInfo     = workerpkg.DispatchInfo
	DeadLetterInfo   = workerpkg.DeadLetterInfo
	Processor        = processorpkg.Processor
	ProcessorOptions = processorpkg.Options
	ProcessorDeps    = processorpkg.Dependencies
	Notifier         = processorpkg.Notifier
	IngressDeps      = ingresspkg.Dependencies

	ResultCache  = cachepkg.ResultCache
	CacheStore   = cachepkg.Store
	CacheOptions = cachepkg.Options
	Metrics      = metricspkg.Metrics
	DLQMetrics   = metricspkg.DLQMetrics
	DLQSnapshot  = metricspkg.DLQSnapshot

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ValidationError = errspkg.ValidationError
	KernelError     = errspkg.KernelError
	ErrorCategory   = errspkg.Category

	// Queue backends
	Backend          = transport.Backend
	Handle           = transport.Handle
	Role             = transport.Role
	Received         = transport.Received
	AckToken         = transport.AckToken
	SendOptions      = transport.SendOptions
	Naming           = transport.Naming
	Capabilities     = transport.Capabilities
	TransportBuilder = transport.Builder
	TransportConfig  = transport.Config
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewRegistry    = envelope.NewRegistry
	NewMessage     = envelope.NewMessage
	DecodeMessage  = envelope.Decode
	ProcessFunc    = envelope.ProcessFunc
	StringID       = envelope.StringID
	IntID          = envelope.IntID
	NewErrorResult = envelope.NewErrorResult

	NewMediaResult    = envelope.NewMediaResult
	NewVideoResult    = envelope.NewVideoResult
	NewKeywordsResult = envelope.NewKeywordsResult
	NewTextResult     = envelope.NewTextResult
	NewVectorResult   = envelope.NewVectorResult

	NewWorker        = workerpkg.New
	LoggingHooks     = workerpkg.LoggingHooks
	AlertingHooks    = workerpkg.AlertingHooks
	NewProcessor     = processorpkg.New
	NewNotifier      = processorpkg.NewNotifier
	NewIngressRouter = ingresspkg.NewRouter
	ServeIngress     = ingresspkg.Serve

	NewResultCache = cachepkg.New
	NewRedisStore  = cachepkg.NewRedisStore
	NewMemoryStore = cachepkg.NewMemoryStore
	NewMetrics     = metricspkg.New
	MetricsHandler = metricspkg.Handler

	// Reference kernels
	RegisterReferenceKernels = kernelspkg.Register
	EchoKernel               = kernelspkg.Echo
	SHA256Kernel             = kernelspkg.SHA256

	NewValidationError = errspkg.NewValidationError
	ClassifyError      = errspkg.Classify
	StatusCode         = errspkg.StatusCode

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	// Queue driver registry. Drivers register themselves on import; import
	// "github.com/drblury/presto/transport/transports" for all of them.
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.RegisterWithCapabilities
	BuildTransport           = transport.Build
	RestrictInputQueues      = transport.RestrictInputQueues

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	CreateULID = idspkg.CreateULID

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrBackendRequired    = errspkg.ErrBackendRequired
	ErrRegistryRequired   = errspkg.ErrRegistryRequired
	ErrKindRequired       = errspkg.ErrKindRequired
	ErrKindRegistered     = errspkg.ErrKindRegistered
	ErrUnknownKind        = errspkg.ErrUnknownKind
	ErrInvalidEnvelope    = errspkg.ErrInvalidEnvelope
	ErrTransientBackend   = errspkg.ErrTransientBackend
	ErrKernelTimeout      = errspkg.ErrKernelTimeout
	ErrKernelResultCount  = errspkg.ErrKernelResultCount
	ErrCallbackDelivery   = errspkg.ErrCallbackDelivery
	ErrCallbackURLMissing = errspkg.ErrCallbackURLMissing
	ErrBackendClosed      = transport.ErrClosed
)

// Queue roles.
const (
	RoleInput  = transport.RoleInput
	RoleOutput = transport.RoleOutput
	RoleDLQ    = transport.RoleDLQ
)

// Error categories returned by ClassifyError.
const (
	ErrorCategoryNone       = errspkg.CategoryNone
	ErrorCategoryValidation = errspkg.CategoryValidation
	ErrorCategoryTransient  = errspkg.CategoryTransient
	ErrorCategoryTimeout    = errspkg.CategoryTimeout
	ErrorCategoryKernel     = errspkg.CategoryKernel
	ErrorCategoryCallback   = errspkg.CategoryCallback
)

// NoRetries as Config.MaxRetries dead-letters a message on its first failure.
const NoRetries = configpkg.NoRetries
