package tools

import (
	"github.com/jholhewres/clawgate/pkg/clawgate/policy"
)

// Config is the tools section of the configuration.
type Config struct {
	// TimeoutSeconds bounds tools without their own timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	Exec   ExecConfig    `yaml:"exec"`
	Web    WebConfig     `yaml:"web"`
	Policy policy.Config `yaml:"policy"`
}

// DefaultConfig returns the stock tools configuration.
func DefaultConfig() Config {
	return Config{
		TimeoutSeconds: int(DefaultTimeout.Seconds()),
		Exec:           DefaultExecConfig(),
		Web:            DefaultWebConfig(),
		Policy:         policy.DefaultConfig(),
	}
}

// Builtins carries the collaborators of the built-in tools. A nil Publisher
// or Jobs skips the tool that needs it.
type Builtins struct {
	Config    Config
	Guard     *policy.NetworkGuard
	Publisher Publisher
	Jobs      JobAdmin
}

// RegisterBuiltins registers exec, the filesystem tools, web_fetch and,
// when their collaborators are present, message and cron.
func RegisterBuiltins(r *Registry, b Builtins) error {
	list := []Tool{
		NewExecTool(b.Config.Exec, b.Config.Policy.Limits),
		ReadFileTool{},
		WriteFileTool{},
		ListDirTool{},
		NewWebFetchTool(b.Config.Web, b.Guard),
	}
	if b.Publisher != nil {
		list = append(list, NewMessageTool(b.Publisher))
	}
	if b.Jobs != nil {
		list = append(list, NewCronTool(b.Jobs))
	}
	for _, t := range list {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
