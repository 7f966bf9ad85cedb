package workerproc

import "os"

// RunFromInheritedFDs is what a re-exec'd worker process calls immediately:
// fd 3 and fd 4 are the pipe ends internal/worker.Spawn attached via
// cmd.ExtraFiles (engine->worker and worker->engine respectively).
func RunFromInheritedFDs() error {
	in := os.NewFile(3, "engine-to-worker")
	out := os.NewFile(4, "worker-to-engine")
	return Main(in, out)
}
