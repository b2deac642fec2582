package share

// Logging convention in the `share` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - dropped messages (schema, acl, decrypt failures)
//     - reconnects and peer teardowns
//     - storage retry exhaustion
// V(1):
//     key lifecycle events with ids that can be used to filter
//     - document added/updated/destroyed, peer created/destroyed
// V(2):
//     frequent trace events - e.g. send, receive, sync message, save -
//     prefer summarized statistics over logging each data point
//
// Tags used in log lines:
//     [sg] signaling client
//     [ex] message exchanger
//     [pm] peer manager
//     [sn] document synchronizer
//     [st] storage
//     [dc] sharing client (facade)
