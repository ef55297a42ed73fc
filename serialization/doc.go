// Package serialization provides the payload codec used by the listener.
//
// The default JSONCodec is backed by bytedance/sonic in its encoding/json
// compatible configuration, so payloads produced by any standard JSON
// encoder decode the same way.
package serialization
