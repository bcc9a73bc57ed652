package frameflow

import (
	runtimepkg "github.com/frameflow/frameflow/internal/runtime"
	configpkg "github.com/frameflow/frameflow/internal/runtime/config"
	errspkg "github.com/frameflow/frameflow/internal/runtime/errors"
	framepkg "github.com/frameflow/frameflow/internal/runtime/frame"
	idspkg "github.com/frameflow/frameflow/internal/runtime/ids"
	loggingpkg "github.com/frameflow/frameflow/internal/runtime/logging"
	mqpkg "github.com/frameflow/frameflow/internal/runtime/mq"
	telemetrypkg "github.com/frameflow/frameflow/internal/runtime/telemetry"
	transportpkg "github.com/frameflow/frameflow/transport"
)

type (
	Frame      = framepkg.Frame
	Image      = framepkg.Image
	Format     = framepkg.Format
	ImageCodec = framepkg.ImageCodec
	Batch      = framepkg.Batch

	FilterConfig = configpkg.FilterConfig
	TopicMapping = configpkg.TopicMapping
	ExitPolicy   = configpkg.ExitPolicy
	ExitReason   = configpkg.ExitReason
	MQLogMode    = configpkg.MQLogMode

	Filter           = runtimepkg.Filter
	Setupper         = runtimepkg.Setupper
	Shutdowner       = runtimepkg.Shutdowner
	ConfigNormalizer = runtimepkg.ConfigNormalizer
	RemoteConfigurer = runtimepkg.RemoteConfigurer
	Producer         = runtimepkg.Producer
	Output           = runtimepkg.Output
	StopRequest      = runtimepkg.StopRequest
	StopToken        = runtimepkg.StopToken

	Settings   = runtimepkg.Settings
	RunOptions = runtimepkg.RunOptions
	StageSpec  = runtimepkg.StageSpec
	Identity   = runtimepkg.Identity
	Runner     = runtimepkg.Runner
	BuildInfo  = runtimepkg.BuildInfo

	// MQStats is one batch's delivery record as handed to a MetricsSink.
	MQStats     = mqpkg.Stats
	MetricsSink = telemetrypkg.Sink

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigError = errspkg.ConfigError

	// Modular transport types; register new schemes via RegisterTransport.
	TransportEndpoint = transportpkg.Endpoint
	TransportBuilder  = transportpkg.Builder
	TransportRegistry = transportpkg.Registry
)

const (
	DefaultTopic = configpkg.DefaultTopic

	FormatNone = framepkg.FormatNone
	FormatBGR  = framepkg.FormatBGR
	FormatRGB  = framepkg.FormatRGB
	FormatGray = framepkg.FormatGray

	ExitNone  = configpkg.ExitNone
	ExitClean = configpkg.ExitClean
	ExitError = configpkg.ExitError
	ExitAll   = configpkg.ExitAll

	ReasonClean = configpkg.ReasonClean
	ReasonError = configpkg.ReasonError

	MQLogNone   = configpkg.MQLogNone
	MQLogPretty = configpkg.MQLogPretty
	MQLogImage  = configpkg.MQLogImage
)

var (
	Run      = runtimepkg.Run
	RunMulti = runtimepkg.RunMulti

	NewRunner = runtimepkg.NewRunner

	DefaultSettings     = runtimepkg.DefaultSettings
	LoadSettings        = runtimepkg.LoadSettings
	SettingsFromEnviron = runtimepkg.SettingsFromEnviron
	ReadBuildInfo       = runtimepkg.ReadBuildInfo

	Produce      = runtimepkg.Produce
	ProduceFrame = runtimepkg.ProduceFrame
	Defer        = runtimepkg.Defer
	Suppress     = runtimepkg.Suppress
	RequestStop  = runtimepkg.RequestStop
	NewStopToken = runtimepkg.NewStopToken

	NewFrame        = framepkg.New
	NewDataFrame    = framepkg.NewData
	NewEncodedFrame = framepkg.NewEncoded

	NormalizeConfig = configpkg.Normalize
	ConfigFromEnv   = configpkg.FromEnv
	ParseOptions    = configpkg.ParseOptions
	JoinOptions     = configpkg.JoinOptions
	ParseTopics     = configpkg.ParseTopics
	ParseExitPolicy = configpkg.ParseExitPolicy
	ParseExitSpec   = configpkg.ParseExitSpec
	ParseMQLogMode  = configpkg.ParseMQLogMode
	RedactAddr      = configpkg.RedactAddr

	// Error classification helpers. Transient errors are tolerated by
	// the stage loop; IsPropagatedExit distinguishes an obeyed peer exit
	// from a local failure.
	Transient        = errspkg.Transient
	Transientf       = errspkg.Transientf
	IsTransient      = errspkg.IsTransient
	IsPropagatedExit = errspkg.IsPropagatedExit

	ErrFilterRequired = errspkg.ErrFilterRequired
	ErrConfigRequired = errspkg.ErrConfigRequired
	ErrClosed         = errspkg.ErrClosed

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.Nop

	NewULID = idspkg.NewULID

	// Modular transport registry. Import individual transports via:
	// _ "github.com/frameflow/frameflow/transport/zeromq"
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	ParseTransportAddr       = transportpkg.ParseAddr
)
