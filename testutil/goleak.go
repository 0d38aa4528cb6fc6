package testutil

import "go.uber.org/goleak"

// GoleakOptions is a common list of options to pass to goleak. This is useful
// when there is a project-wide goroutine leak that needs to be ignored.
var GoleakOptions []goleak.Option
