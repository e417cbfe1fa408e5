package view

import (
	"context"
	"fmt"

	"github.com/dkeye/Consult/internal/app/signaling"
	"github.com/dkeye/Consult/internal/core"
	"github.com/pion/webrtc/v4"
)

// ensureCall returns the current call, acquiring media for a new one if
// needed.
func (v *SessionView) ensureCall(ctx context.Context) (core.CallConnection, error) {
	v.mu.Lock()
	if v.call != nil {
		call := v.call
		v.mu.Unlock()
		return call, nil
	}
	v.mu.Unlock()

	call, err := v.deps.Calls.NewCall(ctx)
	if err != nil {
		v.logger.Error().Err(err).Msg("new call failed")
		return nil, err
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		_ = call.Close()
		return nil, ErrNotOpen
	}
	if v.call != nil {
		existing := v.call
		v.mu.Unlock()
		_ = call.Close()
		return existing, nil
	}
	v.call = call
	v.remoteSet = false
	v.mu.Unlock()

	call.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := v.signals.SendWebRTCSignal(v.ctx, signaling.SignalICECandidate, c); err != nil {
			v.logger.Warn().Err(err).Msg("send ice candidate failed")
		}
	})
	call.OnStateChange(func(s webrtc.PeerConnectionState) { v.onCallState(call, s) })
	v.logger.Info().Msg("call created")
	return call, nil
}

func (v *SessionView) current(call core.CallConnection) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.call == call
}

// startCall is the auto-join and manual-join call initiation: invitation,
// then the offer.
func (v *SessionView) startCall(ctx context.Context, displayName string) error {
	call, err := v.ensureCall(ctx)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.offerer = v.call == call
	v.mu.Unlock()
	if err := v.signals.SendCallInvitation(ctx, displayName); err != nil {
		return fmt.Errorf("call invitation: %w", err)
	}
	offer, err := call.CreateOffer(ctx, false)
	if err != nil {
		v.endCall()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := v.signals.SendWebRTCSignal(ctx, signaling.SignalOffer, offer); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	v.logger.Info().Str("display_name", displayName).Msg("call started")
	return nil
}

func (v *SessionView) onCallState(call core.CallConnection, s webrtc.PeerConnectionState) {
	if !v.current(call) {
		return
	}
	v.logger.Info().Str("state", s.String()).Msg("call state")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if !v.mon.Active() {
			v.mon.Start(v.ctx, call)
		}
	case webrtc.PeerConnectionStateFailed:
		v.notice(core.NoticeWarning, "The connection was lost.", core.ActionJoin)
	case webrtc.PeerConnectionStateClosed:
		v.mon.Stop()
	}
}

func (v *SessionView) onCallInvitation(inv signaling.CallInvitation) {
	v.logger.Info().Str("from", string(inv.Sender)).Msg("call invitation")
	v.notice(core.NoticeInfo, inv.DisplayName+" is calling.", "")
}

func (v *SessionView) onCallDeclined(d signaling.CallDeclined) {
	v.logger.Info().Str("from", string(d.Sender)).Msg("call declined")
	v.endCall()
	v.notice(core.NoticeWarning, "The call was declined.", "")
}

// Decline rejects the incoming call.
func (v *SessionView) Decline(ctx context.Context) error {
	if !v.isOpen() {
		return ErrNotOpen
	}
	v.endCall()
	return v.signals.SendCallDeclined(ctx)
}

func (v *SessionView) onSignal(sig signaling.WebRTCSignal) {
	ctx := v.ctx
	switch sig.Kind {
	case signaling.SignalOffer:
		var offer webrtc.SessionDescription
		if err := sig.Decode(&offer); err != nil {
			v.logger.Warn().Err(err).Msg("bad offer")
			return
		}
		call, err := v.ensureCall(ctx)
		if err != nil {
			v.notice(core.NoticeError, "Could not answer the call: camera or microphone unavailable.", "")
			return
		}
		answer, err := call.AcceptOffer(ctx, offer)
		if err != nil {
			v.logger.Error().Err(err).Msg("accept offer failed")
			return
		}
		v.remoteApplied(call)
		if err := v.signals.SendWebRTCSignal(ctx, signaling.SignalAnswer, answer); err != nil {
			v.logger.Error().Err(err).Msg("send answer failed")
		}
	case signaling.SignalAnswer:
		var answer webrtc.SessionDescription
		if err := sig.Decode(&answer); err != nil {
			v.logger.Warn().Err(err).Msg("bad answer")
			return
		}
		v.mu.Lock()
		call := v.call
		v.mu.Unlock()
		if call == nil {
			v.logger.Debug().Msg("answer without call ignored")
			return
		}
		if err := call.ApplyAnswer(answer); err != nil {
			v.logger.Error().Err(err).Msg("apply answer failed")
			return
		}
		v.remoteApplied(call)
	case signaling.SignalICECandidate:
		var c webrtc.ICECandidateInit
		if err := sig.Decode(&c); err != nil {
			v.logger.Warn().Err(err).Msg("bad ice candidate")
			return
		}
		v.mu.Lock()
		call, ready := v.call, v.remoteSet
		if call == nil || !ready {
			v.pending = append(v.pending, c)
			v.mu.Unlock()
			return
		}
		v.mu.Unlock()
		if err := call.AddICECandidate(c); err != nil {
			v.logger.Warn().Err(err).Msg("add ice candidate failed")
		}
	}
}

// remoteApplied flushes candidates buffered before the remote description.
func (v *SessionView) remoteApplied(call core.CallConnection) {
	v.mu.Lock()
	if v.call != call {
		v.mu.Unlock()
		return
	}
	v.remoteSet = true
	pending := v.pending
	v.pending = nil
	v.mu.Unlock()
	for _, c := range pending {
		if err := call.AddICECandidate(c); err != nil {
			v.logger.Warn().Err(err).Msg("add buffered ice candidate failed")
		}
	}
}

// onReconnect restarts ICE on the current call. Only the side that sent
// the first offer restarts, so both ends never offer at once.
func (v *SessionView) onReconnect(attempt int) {
	v.mu.Lock()
	call, offerer := v.call, v.offerer
	v.mu.Unlock()
	if call == nil || !offerer {
		v.logger.Debug().Int("attempt", attempt).Msg("reconnect left to the offering side")
		return
	}
	v.logger.Warn().Int("attempt", attempt).Msg("ice restart")
	v.notice(core.NoticeWarning, fmt.Sprintf("Poor connection, reconnecting (attempt %d).", attempt), "")
	offer, err := call.CreateOffer(v.ctx, true)
	if err != nil {
		v.logger.Error().Err(err).Msg("ice restart offer failed")
		return
	}
	if err := v.signals.SendWebRTCSignal(v.ctx, signaling.SignalOffer, offer); err != nil {
		v.logger.Error().Err(err).Msg("send ice restart offer failed")
	}
}

func (v *SessionView) endCall() {
	v.mu.Lock()
	call := v.call
	v.call = nil
	v.offerer = false
	v.remoteSet = false
	v.pending = nil
	v.mu.Unlock()

	v.mon.Stop()
	if call == nil {
		return
	}
	if err := call.Close(); err != nil {
		v.logger.Warn().Err(err).Msg("close call")
	}
	v.logger.Info().Msg("call ended")
}
