package syncbox

import "errors"

// ErrOffline reports that a sync was requested while the device has no
// usable connection. The queued work is untouched and syncs later.
var ErrOffline = errors.New("device is offline")
