package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jholhewres/clawgate/pkg/clawgate/metrics"
)

// DefaultTimeout bounds a single provider request.
const DefaultTimeout = 120 * time.Second

// ProviderConfig is one entry of the providers section.
type ProviderConfig struct {
	Kind          string   `yaml:"kind"`
	APIKey        string   `yaml:"api_key"`
	APIBase       string   `yaml:"api_base"`
	Model         string   `yaml:"model"`
	Rank          int      `yaml:"rank"`
	ModelPrefixes []string `yaml:"model_prefixes"`
}

// Config configures a Router.
type Config struct {
	// Default names the profile used when nothing more specific matches.
	Default   string
	Providers map[string]ProviderConfig
	// Fallbacks are tried in order after retries on the primary fail.
	Fallbacks []string
	Timeout   time.Duration
}

// knownEndpoints fills in api_base for well-known provider names.
var knownEndpoints = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"anthropic":  "https://api.anthropic.com",
	"openrouter": "https://openrouter.ai/api/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"gemini":     "https://generativelanguage.googleapis.com/v1beta/openai",
	"zhipu":      "https://open.bigmodel.cn/api/paas/v4",
}

// knownPrefixes are model-name prefixes implied by a provider name.
var knownPrefixes = map[string][]string{
	"openai":    {"gpt", "o1", "o3", "o4", "chatgpt"},
	"anthropic": {"claude"},
	"deepseek":  {"deepseek"},
	"gemini":    {"gemini"},
	"zhipu":     {"glm"},
}

type adapter interface {
	normalize(p Profile, req Request) (any, error)
	stream(ctx context.Context, p Profile, native any, emit func(Event) bool)
}

// Router selects profiles and streams requests through their adapters.
type Router struct {
	profiles  []Profile
	byName    map[string]Profile
	disabled  map[string]string
	def       string
	fallbacks []string
	timeout   time.Duration
	adapters  map[Kind]adapter
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// NewRouter builds profiles from cfg, resolving credentials for each.
// Profiles without a credential are kept but never selected. A provider
// entry that cannot be built is disabled alone: it is logged, left out of
// selection, and reported when requested by name. Unknown default and
// fallback names are dropped the same way.
func NewRouter(cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "provider")

	r := &Router{
		byName:   make(map[string]Profile),
		disabled: make(map[string]string),
		def:      cfg.Default,
		timeout:  cfg.Timeout,
		tracer:   otel.Tracer("github.com/jholhewres/clawgate/pkg/clawgate/provider"),
		logger:   logger,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	client := &http.Client{}
	r.adapters = map[Kind]adapter{
		KindOpenAI:    &openAIAdapter{httpClient: client},
		KindAnthropic: &anthropicAdapter{httpClient: client},
	}

	for name, pc := range cfg.Providers {
		p, err := buildProfile(name, pc)
		if err != nil {
			r.disable(name, err)
			continue
		}
		if !p.HasCredential() {
			logger.Warn("provider has no credential", "provider", name, "env", EnvKeyName(name))
		}
		r.byName[name] = p
		r.profiles = append(r.profiles, p)
	}
	sort.SliceStable(r.profiles, func(i, j int) bool {
		if r.profiles[i].Rank != r.profiles[j].Rank {
			return r.profiles[i].Rank < r.profiles[j].Rank
		}
		return r.profiles[i].Name < r.profiles[j].Name
	})
	if r.def != "" {
		if _, ok := r.byName[r.def]; !ok {
			logger.Warn("default provider unavailable, selecting by rank", "provider", r.def, "reason", r.unavailable(r.def))
			r.def = ""
		}
	}
	for _, fb := range cfg.Fallbacks {
		if _, ok := r.byName[fb]; !ok {
			logger.Warn("fallback provider dropped", "provider", fb, "reason", r.unavailable(fb))
			continue
		}
		r.fallbacks = append(r.fallbacks, fb)
	}
	return r
}

func (r *Router) disable(name string, err error) {
	reason := err.Error()
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}
	r.disabled[name] = reason
	r.logger.Error("provider disabled", "provider", name, "reason", reason)
}

// unavailable explains why name has no profile.
func (r *Router) unavailable(name string) string {
	if reason, ok := r.disabled[name]; ok {
		return reason
	}
	return "not configured"
}

// Disabled returns the providers left out because of configuration
// errors, with the reason for each.
func (r *Router) Disabled() map[string]string {
	out := make(map[string]string, len(r.disabled))
	for k, v := range r.disabled {
		out[k] = v
	}
	return out
}

// ConfigProblems lists the entries of cfg that NewRouter would disable or
// drop, sorted. It resolves no credentials.
func ConfigProblems(cfg Config) []string {
	var problems []string
	usable := func(name string) string {
		pc, ok := cfg.Providers[name]
		if !ok {
			return "is not configured"
		}
		if _, err := profileKind(name, pc); err != nil {
			return "is disabled"
		}
		return ""
	}
	for name, pc := range cfg.Providers {
		if _, err := profileKind(name, pc); err != nil {
			problems = append(problems, fmt.Sprintf("providers.%s: %s", name, err.Reason))
		}
	}
	if cfg.Default != "" {
		if why := usable(cfg.Default); why != "" {
			problems = append(problems, fmt.Sprintf("default provider %q %s", cfg.Default, why))
		}
	}
	for _, fb := range cfg.Fallbacks {
		if why := usable(fb); why != "" {
			problems = append(problems, fmt.Sprintf("fallback provider %q %s", fb, why))
		}
	}
	sort.Strings(problems)
	return problems
}

func profileKind(name string, pc ProviderConfig) (Kind, *ConfigurationError) {
	switch Kind(strings.ToLower(pc.Kind)) {
	case KindOpenAI:
		return KindOpenAI, nil
	case KindAnthropic:
		return KindAnthropic, nil
	case "":
		endpoint := pc.APIBase
		if endpoint == "" {
			endpoint = knownEndpoints[name]
		}
		if name == "anthropic" || strings.Contains(endpoint, "anthropic.com") {
			return KindAnthropic, nil
		}
		return KindOpenAI, nil
	}
	return "", &ConfigurationError{Provider: name, Reason: fmt.Sprintf("unknown kind %q", pc.Kind)}
}

func buildProfile(name string, pc ProviderConfig) (Profile, error) {
	p := Profile{
		Name:          name,
		Endpoint:      strings.TrimRight(pc.APIBase, "/"),
		Rank:          pc.Rank,
		ModelPrefixes: pc.ModelPrefixes,
		DefaultModel:  pc.Model,
	}
	if p.Endpoint == "" {
		p.Endpoint = knownEndpoints[name]
	}
	if len(p.ModelPrefixes) == 0 {
		p.ModelPrefixes = knownPrefixes[name]
	}

	kind, cerr := profileKind(name, pc)
	if cerr != nil {
		return Profile{}, cerr
	}
	p.Kind = kind

	p.Credential, p.CredentialSource = ResolveCredential(name, pc.APIKey)
	return p, nil
}

// SetMetrics attaches provider request metrics.
func (r *Router) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// Profiles returns all profiles ordered by rank.
func (r *Router) Profiles() []Profile {
	out := make([]Profile, len(r.profiles))
	copy(out, r.profiles)
	return out
}

// Profile returns the named profile.
func (r *Router) Profile(name string) (Profile, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Fallbacks returns the configured fallback profiles that have credentials,
// excluding primary.
func (r *Router) Fallbacks(primary string) []Profile {
	var out []Profile
	for _, name := range r.fallbacks {
		if name == primary {
			continue
		}
		if p := r.byName[name]; p.HasCredential() {
			out = append(out, p)
		}
	}
	return out
}

// Select picks the profile for a request. Precedence: explicit provider,
// model prefix, endpoint host, default profile, then the first profile by
// rank with a credential.
func (r *Router) Select(model, explicit string) (Profile, error) {
	if explicit != "" {
		p, ok := r.byName[explicit]
		if !ok {
			return Profile{}, &ConfigurationError{Provider: explicit, Reason: r.unavailable(explicit)}
		}
		if !p.HasCredential() {
			return Profile{}, &ConfigurationError{Provider: explicit, Reason: "no credential (set " + EnvKeyName(explicit) + ")"}
		}
		return p, nil
	}

	m := strings.ToLower(strings.TrimSpace(model))
	if m != "" {
		if head, _, ok := strings.Cut(m, "/"); ok {
			if p, found := r.byName[head]; found && p.HasCredential() {
				return p, nil
			}
		}
		for _, p := range r.profiles {
			if !p.HasCredential() {
				continue
			}
			for _, prefix := range p.ModelPrefixes {
				if prefix != "" && strings.HasPrefix(m, strings.ToLower(prefix)) {
					return p, nil
				}
			}
		}
		for _, p := range r.profiles {
			if kw := hostKeyword(p.Endpoint); kw != "" && p.HasCredential() && strings.Contains(m, kw) {
				return p, nil
			}
		}
	}

	if p, ok := r.byName[r.def]; ok && p.HasCredential() {
		return p, nil
	}
	for _, p := range r.profiles {
		if p.HasCredential() {
			return p, nil
		}
	}
	return Profile{}, &ConfigurationError{Reason: "no provider has credentials"}
}

// hostKeyword reduces an endpoint to its registrable label, e.g.
// https://openrouter.ai/api/v1 -> openrouter.
func hostKeyword(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	labels := strings.Split(u.Hostname(), ".")
	if len(labels) < 2 {
		return ""
	}
	kw := strings.ToLower(labels[len(labels)-2])
	if len(kw) < 3 {
		return ""
	}
	return kw
}

// ModelFor resolves the model sent to p: a leading "<profile>/" is
// stripped and an empty model falls back to the profile default.
func ModelFor(p Profile, model string) string {
	model = strings.TrimSpace(model)
	if rest, ok := strings.CutPrefix(model, p.Name+"/"); ok {
		model = rest
	}
	if model == "" {
		model = p.DefaultModel
	}
	return model
}

func (r *Router) adapterFor(p Profile) (adapter, error) {
	ad, ok := r.adapters[p.Kind]
	if !ok {
		return nil, &ConfigurationError{Provider: p.Name, Reason: fmt.Sprintf("unsupported kind %q", p.Kind)}
	}
	return ad, nil
}

// Normalize returns the backend-native request for p.
func (r *Router) Normalize(p Profile, req Request) (any, error) {
	ad, err := r.adapterFor(p)
	if err != nil {
		return nil, err
	}
	req.Model = ModelFor(p, req.Model)
	if req.Model == "" {
		return nil, &ConfigurationError{Provider: p.Name, Reason: "no model configured"}
	}
	return ad.normalize(p, req)
}

// Stream sends req to p and returns its event stream. The request is
// bounded by the router timeout.
func (r *Router) Stream(ctx context.Context, p Profile, req Request) (*EventStream, error) {
	if !p.HasCredential() {
		return nil, &ConfigurationError{Provider: p.Name, Reason: "no credential"}
	}
	native, err := r.Normalize(p, req)
	if err != nil {
		return nil, err
	}
	ad, _ := r.adapterFor(p)

	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	sctx, span := r.tracer.Start(sctx, "provider.stream", trace.WithAttributes(
		attribute.String("provider", p.Name),
		attribute.String("model", ModelFor(p, req.Model)),
	))
	start := time.Now()

	return newEventStream(sctx, cancel, p.Name, func(ctx context.Context, emit func(Event) bool) {
		status := "ok"
		ended := false
		defer func() {
			r.metrics.ProviderRequest(p.Name, status, time.Since(start))
			span.End()
		}()
		observe := func(ev Event) bool {
			if isFinal(ev) {
				ended = true
			}
			if ev.Type == EventError {
				status = "error"
				var pe *ProviderError
				if errors.As(ev.Err, &pe) {
					status = pe.Kind
				}
				span.RecordError(ev.Err)
				span.SetStatus(codes.Error, status)
				r.logger.Warn("provider stream failed", "provider", p.Name, "error", ev.Err)
			}
			return emit(ev)
		}
		ad.stream(ctx, p, native, observe)
		if !ended {
			err := ctx.Err()
			if err == nil {
				err = errStreamEnded
			}
			observe(Event{Type: EventError, Err: classify(p.Name, 0, err)})
		}
	}), nil
}
