// Package ws serves the scanner over two WebSocket channels.
//
// The package implements:
//   - Hub: the set of connections on one channel, optionally capped
//   - Handler: upgrades connections and runs their read and write pumps
//   - Transport: the command and data listeners, command dispatch and the
//     stream relay
//
// Command messages from every connection are handled one at a time through
// the router, so replies are strictly ordered. The data channel accepts a
// single subscriber; a second upgrade is refused with 409 Conflict. While a
// stream is active the relay writes one frame per message to the subscriber
// and waits for each write before pulling the next frame. The relay ends
// when the stream is cancelled, fails, or when the subscriber or the command
// connection that started it disconnects.
package ws
