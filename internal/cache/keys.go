package cache

import "fmt"

func JobViewKey(jobID string) string {
	return fmt.Sprintf("jobview:%s", jobID)
}
