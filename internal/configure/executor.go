package configure

import "context"

// Executor runs a playbook against an inventory file and reports every
// output line as it is produced.
type Executor interface {
	Run(ctx context.Context, inventoryPath, playbook string, onLine func(OutputLine)) error
}
