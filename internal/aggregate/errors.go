package aggregate

import "fmt"

// StoreOpenError means a partition store could not be read: it is missing,
// corrupt, or lacks the expected table. The partition is skipped and
// aggregation continues.
type StoreOpenError struct {
	Partition int
	Path      string
	Err       error
}

func (e *StoreOpenError) Error() string {
	return fmt.Sprintf("partition %d: cannot read %s: %v", e.Partition, e.Path, e.Err)
}

func (e *StoreOpenError) Unwrap() error {
	return e.Err
}

// MergeWriteError means the destination store rejected a write. The failing
// partition's transaction is rolled back, earlier partitions stay committed,
// and aggregation stops. Partition is -1 when the destination itself could
// not be opened or prepared.
type MergeWriteError struct {
	Partition   int
	Destination string
	Err         error
}

func (e *MergeWriteError) Error() string {
	if e.Partition < 0 {
		return fmt.Sprintf("destination %s: %v", e.Destination, e.Err)
	}
	return fmt.Sprintf("partition %d: failed to merge into %s: %v", e.Partition, e.Destination, e.Err)
}

func (e *MergeWriteError) Unwrap() error {
	return e.Err
}
