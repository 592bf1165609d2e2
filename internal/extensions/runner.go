package extensions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// driver loads the extension file in an isolated interpreter, calls run with
// the JSON arguments from stdin, and prints the result.
const driver = `
import asyncio, importlib.util, inspect, json, sys
spec = importlib.util.spec_from_file_location("pith_ext", sys.argv[1])
mod = importlib.util.module_from_spec(spec)
spec.loader.exec_module(mod)
args = json.load(sys.stdin)
result = mod.run(**args)
if inspect.iscoroutine(result):
    result = asyncio.run(result)
if result is not None:
    sys.stdout.write(str(result))
`

// runner executes one extension file per invocation in a python3 -I
// subprocess. Isolated mode keeps the interpreter away from user site
// packages and environment hooks.
type runner struct {
	path string
}

func (r *runner) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	cmd := exec.CommandContext(ctx, "python3", "-I", "-c", driver, r.path)
	cmd.Stdin = bytes.NewReader(args)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("extension failed: %v\n%s", err, stderr.String())
	}
	return stdout.String(), nil
}
