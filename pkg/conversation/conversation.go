// Package conversation runs a realtime voice conversation with a remote
// agent over a WebSocket.
//
// A Session connects to the agent, streams microphone audio up as PCM16,
// schedules the agent's audio for gapless playback, answers keep-alive
// pings and keeps a transcript of what was said. A speaking amplitude in
// [0, 1] is derived from the agent audio for driving an animated face.
//
// Example usage:
//
//	s := conversation.New(
//	    conversation.WithURL("wss://api.elevenlabs.io/v1/convai/conversation"),
//	    conversation.WithAgentID(os.Getenv("ELEVENLABS_AGENT_ID")),
//	)
//	defer s.Close()
//
//	s.OnTranscript(func(e conversation.TranscriptEntry) {
//	    fmt.Printf("%s: %s\n", e.Role, e.Text)
//	})
//	s.OnAmplitude(func(a float64) {
//	    // move the mouth
//	})
//
//	if err := s.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	_ = s.SendText("hello")
//
// All callbacks run on the session's own goroutine, in order.
package conversation
