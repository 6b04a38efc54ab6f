package scheduler

import "fmt"

type JobNotFoundError struct {
	Name string
}

func (e JobNotFoundError) Error() string {
	return fmt.Sprintf("job '%s' not found", e.Name)
}
