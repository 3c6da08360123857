package launch

import (
	"strconv"
	"strings"

	"github.com/pdbench/pdbench/internal/config"
	"github.com/pdbench/pdbench/internal/coord"
	"github.com/pdbench/pdbench/internal/plan"
)

// Command lines for the external serving framework. The engine binaries are
// opaque collaborators; everything they need is derived from the immutable
// job config so that identical inputs produce identical invocations on every
// node and every retry.

func workerPort(engine config.EngineConfig, slot int) int {
	return engine.WorkerBase + slot
}

func routerCommand(engine config.EngineConfig) []string {
	return []string{
		engine.RouterCommand,
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(engine.RouterPort),
	}
}

// workerCommand builds the launch line for one worker slot. Prefill workers
// register with the router; decode workers additionally receive the full
// rank-ordered prefill endpoint list for cache transfer.
func workerCommand(
	cfg *config.Config,
	self plan.NodeAssignment,
	slot int,
	routerURL string,
	prefillEndpoints []coord.ServiceEndpoint,
) []string {
	argv := []string{
		cfg.Engine.LaunchCommand,
		"--model-path", cfg.Cluster.ModelPath,
		"--served-model-name", cfg.Cluster.ModelName,
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(workerPort(cfg.Engine, slot)),
		"--tp-size", strconv.Itoa(cfg.Cluster.TensorParallel),
		"--disaggregation-mode", string(self.Role),
		"--node-rank", strconv.Itoa(self.RankInRole),
	}

	if cfg.Cluster.ExpertParallel {
		argv = append(argv, "--enable-ep-moe")
	}
	if cfg.Cluster.DataParallel {
		argv = append(argv, "--enable-dp-attention")
	}

	switch self.Role {
	case plan.RolePrefill:
		argv = append(argv, "--router-url", routerURL)
	case plan.RoleDecode:
		addrs := make([]string, 0, len(prefillEndpoints))
		for _, ep := range prefillEndpoints {
			addrs = append(addrs, ep.Addr())
		}
		argv = append(argv,
			"--router-url", routerURL,
			"--prefill-endpoints", strings.Join(addrs, ","))
	}

	return argv
}
