// Package serial is a Linux client for a serial data channel brokered by a
// system daemon.
//
// The broker owns a Unix stream socket and announces on the D-Bus system bus,
// through the serial_status signal, when the channel opens or closes. A client
// creates a handle, installs its callbacks and announces readiness with Open.
// When the broker reports OPENED the handle connects to the broker's socket
// and reports the outcome through the state callback; from then on received
// bytes are delivered to the data callback and Write sends bytes back.
//
// Features:
//   - Signal-driven connect handshake over the system bus (godbus)
//   - Poll-based event loop; all callbacks run on the loop goroutine
//   - Raw byte stream, no framing, 64KiB reads
//   - Optional PTY bridge exposing the channel as a terminal device
//   - Prometheus counters for traffic and state changes
//
// There is no reconnect logic, flow control or framing. This package does
// **not** support platforms other than Linux.
//
// Example usage:
//
//	s, err := serial.Create(serial.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Destroy()
//
//	s.SetDataReceivedCallback(func(data []byte) {
//	    fmt.Printf("Received: %q\n", data)
//	})
//	s.SetStateChangedCallback(func(err error, state serial.State) {
//	    if err != nil {
//	        log.Println("channel error:", err)
//	        return
//	    }
//	    if state == serial.StateOpened {
//	        s.Write([]byte("C,START\r\n"))
//	    }
//	})
//
//	// Announce readiness; the socket connects once the broker answers.
//	if err := s.Open(); err != nil {
//	    log.Fatal(err)
//	}
package serial
