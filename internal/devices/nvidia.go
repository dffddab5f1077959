package devices

import (
	"context"
	"os/exec"
	"time"
)

const nvidiaSMITimeout = 3 * time.Second

// nvidiaGPUs shells out to nvidia-smi. A missing binary or a driver error
// means no accelerators, which callers treat as an empty list.
func nvidiaGPUs() ([]Budget, error) {
	ctx, cancel := context.WithTimeout(context.Background(), nvidiaSMITimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.free",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return parseNvidiaSMI(string(out))
}
