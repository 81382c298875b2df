package events

import "github.com/rs/zerolog"

// ZerologSink is the default Sink, logging each Event as a structured
// line. Grounded on the pack's zerolog-based logging convention
// (gosuda-portal, kenchrcum-s3-encryption-gateway) rather than the
// teacher's bare log.Println calls, per the ambient-stack rule that
// logging follows the pack's dominant idiom.
type ZerologSink struct {
	log zerolog.Logger
}

// NewZerologSink wraps an existing zerolog.Logger.
func NewZerologSink(log zerolog.Logger) *ZerologSink {
	return &ZerologSink{log: log}
}

func (s *ZerologSink) Emit(e Event) {
	evt := s.log.Info()
	switch e.Kind {
	case EventAnswererPrivateCall:
		evt.Str("peer", e.PeerID).Msg("answerer: private call ignored")
	case EventAdvertiseReceived:
		evt.Int("count", e.Count).Msg("answerer: advertise received")
	case EventBootstrapReplied:
		evt.Int("count", e.Count).Msg("answerer: bootstrap replied")
	case EventSwapAccepted:
		evt.Str("peer", e.PeerID).Interface("point", e.Point).Msg("answerer: swap accepted")
	case EventSwapIgnored:
		evt.Str("peer", e.PeerID).Msg("answerer: swap ignored")
	case EventTooFewConnections:
		evt.Int("active", e.Active).Int("min_target", e.MinTarget).Msg("maintenance: too few connections")
	case EventTooManyConnections:
		evt.Int("active", e.Active).Int("max_target", e.MaxTarget).Msg("maintenance: too many connections")
	case EventMaintained:
		evt.Int("active", e.Active).Msg("maintenance: quiesced")
	default:
		evt.Int("kind", int(e.Kind)).Msg("event")
	}
}
