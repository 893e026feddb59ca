package kioku

// Test-only exports for the external kioku_test package.
var WithClock = withClock
