package rfc9111

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// §  5.1.  Age
// §
// §     The "Age" response header field conveys the sender's estimate of the
// §     time since the response was generated or successfully validated at
// §     the origin server.  Age values are calculated as specified in
// §     Section 4.2.3.
// §
// §       Age = delta-seconds

// AddAgeHeader sets the Age header of a stored response.
// The age is the age the response had when it was stored, plus the time it has been stored.
// It directly mutates the response headers.
func AddAgeHeader(storedResponse *http.Response, storedAt, now time.Time) {
	age := now.Sub(storedAt)
	if age < 0 {
		age = 0
	}
	age += deltaSeconds(storedResponse.Header.Get("Age"))
	storedResponse.Header.Set("Age", toDeltaSeconds(age))
}

// §  1.2.2. Delta Seconds
// §
// §      delta-seconds  = 1*DIGIT
func deltaSeconds(secondsStr string) time.Duration {
	if seconds, err := strconv.ParseUint(secondsStr, 10, 32); err == nil {
		return time.Second * time.Duration(seconds)
	}
	return 0
}

func toDeltaSeconds(duration time.Duration) string {
	return fmt.Sprintf("%d", int64(duration/time.Second))
}
