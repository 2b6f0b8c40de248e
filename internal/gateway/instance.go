package gateway

import (
	"fmt"
	"os"
	"time"
)

// InstanceID identifies one OS process of the gateway for the lifetime of the
// process. It is embedded in every ownership lock written to the store, so it
// must be distinct across processes and across restarts of the same host —
// hence the start-time component.
func InstanceID() string {
	return instanceID
}

var instanceID = func() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().Unix())
}()
