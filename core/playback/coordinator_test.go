package playback

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// fakeTransport 记录所有定点发送与扇出，供断言使用
type fakeTransport struct {
	sent       []sentMessage
	broadcasts []broadcastMessage
}

type sentMessage struct {
	ConnID string
	Msg    WSMessage
}

type broadcastMessage struct {
	UserID  int64
	Msg     WSMessage
	Exclude string
}

func (f *fakeTransport) SendToConnection(connectionID string, msg *WSMessage) error {
	f.sent = append(f.sent, sentMessage{ConnID: connectionID, Msg: *msg})
	return nil
}

func (f *fakeTransport) BroadcastToUser(userID int64, msg *WSMessage, excludeConnectionID string) {
	f.broadcasts = append(f.broadcasts, broadcastMessage{UserID: userID, Msg: *msg, Exclude: excludeConnectionID})
}

func (f *fakeTransport) reset() {
	f.sent = nil
	f.broadcasts = nil
}

// sentTo 返回发往指定连接的某类消息
func (f *fakeTransport) sentTo(connID string, typ MessageType) []WSMessage {
	var out []WSMessage
	for _, s := range f.sent {
		if s.ConnID == connID && s.Msg.Type == typ {
			out = append(out, s.Msg)
		}
	}
	return out
}

// broadcastsFor 返回面向指定用户的某类扇出消息
func (f *fakeTransport) broadcastsFor(userID int64, typ MessageType) []broadcastMessage {
	var out []broadcastMessage
	for _, b := range f.broadcasts {
		if b.UserID == userID && b.Msg.Type == typ {
			out = append(out, b)
		}
	}
	return out
}

func newTestCoordinator() (*Coordinator, *fakeTransport) {
	ft := &fakeTransport{}
	return NewCoordinator(ft, DefaultPolicy(), nil), ft
}

func mustMessage(t *testing.T, typ MessageType, payload interface{}) *WSMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &WSMessage{Type: typ, Data: data}
}

func register(t *testing.T, c *Coordinator, connID string, userID int64, deviceID, deviceName string) {
	t.Helper()
	msg := mustMessage(t, MsgTypeDeviceRegister, &RegisterData{DeviceID: deviceID, DeviceName: deviceName})
	c.HandleMessage(context.Background(), connID, userID, msg)
}

func decodeActivePlayer(t *testing.T, msg *WSMessage) *string {
	t.Helper()
	var data ActivePlayerData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("decode activePlayer: %v", err)
	}
	return data.DeviceID
}

func decodeRemoteCommand(t *testing.T, msg *WSMessage) RemoteCommandData {
	t.Helper()
	var data RemoteCommandData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("decode remoteCommand: %v", err)
	}
	return data
}

// ========== 注册与选举 ==========

func TestFirstDeviceAutoElected(t *testing.T) {
	c, ft := newTestCoordinator()

	register(t, c, "conn-a", 1, "phone-1", "手机")

	elected := ft.broadcastsFor(1, MsgTypeActivePlayer)
	if len(elected) != 1 {
		t.Fatalf("expected 1 activePlayer broadcast, got %d", len(elected))
	}
	deviceID := decodeActivePlayer(t, &elected[0].Msg)
	if deviceID == nil || *deviceID != "phone-1" {
		t.Fatalf("expected phone-1 elected, got %v", deviceID)
	}

	ft.reset()
	register(t, c, "conn-b", 1, "tv-1", "电视")

	// 后注册的设备不抢占，只收到定点的当前活跃播放器
	if got := ft.broadcastsFor(1, MsgTypeActivePlayer); len(got) != 0 {
		t.Fatalf("second registration must not trigger an election broadcast, got %d", len(got))
	}
	sent := ft.sentTo("conn-b", MsgTypeActivePlayer)
	if len(sent) != 1 {
		t.Fatalf("new device should be told the current active player, got %d messages", len(sent))
	}
	if deviceID := decodeActivePlayer(t, &sent[0]); deviceID == nil || *deviceID != "phone-1" {
		t.Errorf("expected phone-1 reported to the new device, got %v", deviceID)
	}

	if active := c.ActivePlayer(1); active == nil || *active != "phone-1" {
		t.Errorf("active player drifted, got %v", active)
	}
}

func TestRegistrationBroadcastsDevicesList(t *testing.T) {
	c, ft := newTestCoordinator()

	register(t, c, "conn-a", 1, "phone-1", "手机")
	register(t, c, "conn-b", 1, "tv-1", "电视")

	lists := ft.broadcastsFor(1, MsgTypeDevicesList)
	if len(lists) != 2 {
		t.Fatalf("expected a devices list broadcast per registration, got %d", len(lists))
	}

	var devices []DeviceInfo
	if err := json.Unmarshal(lists[1].Msg.Data, &devices); err != nil {
		t.Fatalf("decode devices list: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices in final list, got %d", len(devices))
	}
}

func TestIdempotentReRegistration(t *testing.T) {
	c, _ := newTestCoordinator()

	register(t, c, "conn-a", 1, "phone-1", "手机")
	register(t, c, "conn-a2", 1, "phone-1", "新手机")

	if c.Registry().Count() != 1 {
		t.Fatalf("re-registration must not duplicate sessions, got %d", c.Registry().Count())
	}
	session, _ := c.Registry().Get(1, "phone-1")
	if session.DeviceName != "新手机" {
		t.Errorf("latest registration should win, got %q", session.DeviceName)
	}

	// 活跃播放器指针不受重注册影响
	if active := c.ActivePlayer(1); active == nil || *active != "phone-1" {
		t.Errorf("active player lost across re-registration, got %v", active)
	}
}

func TestSameDeviceIDAcrossUsers(t *testing.T) {
	c, ft := newTestCoordinator()

	// 两个用户的客户端都使用默认的 deviceId "phone"
	register(t, c, "conn-u1-phone", 1, "phone", "用户1的手机")
	register(t, c, "conn-u1-tablet", 1, "tablet", "用户1的平板")
	register(t, c, "conn-u2-phone", 2, "phone", "用户2的手机")
	ft.reset()

	// 用户1的会话不受用户2注册同名设备的影响
	if got := c.ListDevices(1, ""); len(got) != 2 {
		t.Fatalf("user 1 must still see both devices, got %d", len(got))
	}
	if got := c.ListDevices(2, ""); len(got) != 1 {
		t.Fatalf("user 2 must see exactly their own device, got %d", len(got))
	}

	// 两个用户的活跃指针各自指向自己的首台设备
	if active := c.ActivePlayer(1); active == nil || *active != "phone" {
		t.Fatalf("user 1's active player hijacked, got %v", active)
	}
	if active := c.ActivePlayer(2); active == nil || *active != "phone" {
		t.Fatalf("user 2's active player missing, got %v", active)
	}
	s1, ok := c.Registry().Get(1, "phone")
	if !ok || s1.ConnectionID != "conn-u1-phone" {
		t.Fatalf("user 1's active pointer must resolve to user 1's session, got %+v ok=%v", s1, ok)
	}

	// 用户1向自己的 "phone" 发指令，必须送达用户1的连接
	msg := mustMessage(t, MsgTypeCommand, &CommandData{TargetDeviceID: "phone", Command: CmdPause})
	c.HandleMessage(context.Background(), "conn-u1-tablet", 1, msg)

	if got := ft.sentTo("conn-u1-phone", MsgTypeRemoteCommand); len(got) != 1 {
		t.Fatalf("command must reach user 1's phone, got %d messages", len(got))
	}
	if got := ft.sentTo("conn-u2-phone", MsgTypeRemoteCommand); len(got) != 0 {
		t.Fatalf("user 2's same-named device must receive nothing, got %d messages", len(got))
	}
}

func TestConnectionSwitchingDeviceIDDropsOldSession(t *testing.T) {
	c, ft := newTestCoordinator()

	register(t, c, "conn-a", 1, "phone-1", "手机")
	ft.reset()

	// 同一连接换 deviceId 重新注册：旧会话销毁，指针不悬空
	register(t, c, "conn-a", 1, "phone-2", "手机")

	if c.Registry().Count() != 1 {
		t.Fatalf("old session must not linger, got %d sessions", c.Registry().Count())
	}
	if _, ok := c.Registry().Get(1, "phone-1"); ok {
		t.Error("phone-1 should be destroyed")
	}
	if active := c.ActivePlayer(1); active == nil || *active != "phone-2" {
		t.Errorf("active pointer must follow the re-registration, got %v", active)
	}

	c.HandleDisconnect("conn-a")
	if c.Registry().Count() != 0 {
		t.Errorf("disconnect must destroy the current session, got %d left", c.Registry().Count())
	}
}

func TestInvalidRegistrationRejected(t *testing.T) {
	c, ft := newTestCoordinator()

	msg := mustMessage(t, MsgTypeDeviceRegister, &RegisterData{DeviceID: "", DeviceName: "手机"})
	c.HandleMessage(context.Background(), "conn-a", 1, msg)

	if got := ft.sentTo("conn-a", MsgTypeError); len(got) != 1 {
		t.Fatalf("expected 1 error message, got %d", len(got))
	}
	if c.Registry().Count() != 0 {
		t.Error("invalid registration must not create a session")
	}
}

// ========== 指令路由 ==========

func TestCommandRoutedPointToPoint(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	register(t, c, "conn-tv", 1, "tv-1", "电视")
	ft.reset()

	msg := mustMessage(t, MsgTypeCommand, &CommandData{TargetDeviceID: "phone-1", Command: CmdPause})
	c.HandleMessage(context.Background(), "conn-tv", 1, msg)

	got := ft.sentTo("conn-phone", MsgTypeRemoteCommand)
	if len(got) != 1 {
		t.Fatalf("expected exactly one remote command to phone-1, got %d", len(got))
	}
	remote := decodeRemoteCommand(t, &got[0])
	if remote.Command != CmdPause {
		t.Errorf("expected pause, got %q", remote.Command)
	}
	if remote.FromDeviceID != "tv-1" {
		t.Errorf("fromDeviceId must be the sender's bound device, got %q", remote.FromDeviceID)
	}

	// 指令绝不广播
	if len(ft.broadcastsFor(1, MsgTypeRemoteCommand)) != 0 {
		t.Error("commands must never be broadcast")
	}
}

func TestCommandCrossUserRejected(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-victim", 1, "phone-1", "手机")
	register(t, c, "conn-attacker", 2, "evil-1", "入侵设备")
	ft.reset()

	msg := mustMessage(t, MsgTypeCommand, &CommandData{TargetDeviceID: "phone-1", Command: CmdPause})
	c.HandleMessage(context.Background(), "conn-attacker", 2, msg)

	if got := ft.sentTo("conn-attacker", MsgTypeError); len(got) != 1 {
		t.Fatalf("cross-user command must return an error to the sender, got %d messages", len(got))
	}
	if got := ft.sentTo("conn-victim", MsgTypeRemoteCommand); len(got) != 0 {
		t.Fatalf("target must receive nothing, got %d messages", len(got))
	}
}

func TestCommandFromUnregisteredConnectionRejected(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	ft.reset()

	msg := mustMessage(t, MsgTypeCommand, &CommandData{TargetDeviceID: "phone-1", Command: CmdPlay})
	c.HandleMessage(context.Background(), "conn-ghost", 1, msg)

	if got := ft.sentTo("conn-ghost", MsgTypeError); len(got) != 1 {
		t.Fatalf("sender without a registered device must get an error, got %d", len(got))
	}
	if got := ft.sentTo("conn-phone", MsgTypeRemoteCommand); len(got) != 0 {
		t.Error("target must not receive the command")
	}
}

func TestUnknownCommandRejected(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	register(t, c, "conn-tv", 1, "tv-1", "电视")
	ft.reset()

	msg := mustMessage(t, MsgTypeCommand, &CommandData{TargetDeviceID: "phone-1", Command: "explode"})
	c.HandleMessage(context.Background(), "conn-tv", 1, msg)

	if got := ft.sentTo("conn-tv", MsgTypeError); len(got) != 1 {
		t.Fatalf("unknown command must be rejected, got %d error messages", len(got))
	}
}

// ========== 状态同步 ==========

func TestStateReportFansOutToOtherDevices(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	register(t, c, "conn-tv", 1, "tv-1", "电视")
	ft.reset()

	msg := mustMessage(t, MsgTypeState, &StateData{
		DeviceID:     "phone-1",
		IsPlaying:    true,
		CurrentTrack: &TrackInfo{ID: "t-1", Title: "歌", Duration: 180},
		CurrentTime:  12.5,
		Volume:       0.8,
	})
	c.HandleMessage(context.Background(), "conn-phone", 1, msg)

	updates := ft.broadcastsFor(1, MsgTypeStateUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected one stateUpdate fan-out, got %d", len(updates))
	}
	if updates[0].Exclude != "conn-phone" {
		t.Errorf("reporting connection must be excluded from the fan-out, got %q", updates[0].Exclude)
	}

	var upd StateUpdateData
	if err := json.Unmarshal(updates[0].Msg.Data, &upd); err != nil {
		t.Fatalf("decode stateUpdate: %v", err)
	}
	if upd.DeviceID != "phone-1" || !upd.IsPlaying || upd.CurrentTime != 12.5 {
		t.Errorf("unexpected stateUpdate payload: %+v", upd)
	}

	session, _ := c.Registry().Get(1, "phone-1")
	if !session.IsPlaying || session.Volume != 0.8 {
		t.Errorf("session state not updated: %+v", session)
	}
}

func TestSpoofedStateReportSilentlyDropped(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	register(t, c, "conn-tv", 1, "tv-1", "电视")
	ft.reset()

	// phone 的连接冒充 tv 上报
	msg := mustMessage(t, MsgTypeState, &StateData{DeviceID: "tv-1", IsPlaying: true, Volume: 0.5})
	c.HandleMessage(context.Background(), "conn-phone", 1, msg)

	if len(ft.broadcastsFor(1, MsgTypeStateUpdate)) != 0 {
		t.Error("spoofed state must not fan out")
	}
	// 静默丢弃：不回发任何错误
	if len(ft.sentTo("conn-phone", MsgTypeError)) != 0 {
		t.Error("spoofed state is dropped silently, no error reply")
	}
	tv, _ := c.Registry().Get(1, "tv-1")
	if tv.IsPlaying {
		t.Error("spoofed state must not mutate the target session")
	}
}

func TestInvalidStateReportSilentlyDropped(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	ft.reset()

	msg := mustMessage(t, MsgTypeState, &StateData{DeviceID: "phone-1", Volume: 1.5})
	c.HandleMessage(context.Background(), "conn-phone", 1, msg)

	if len(ft.broadcasts) != 0 || len(ft.sent) != 0 {
		t.Errorf("invalid state must be dropped without any reply, sent=%d broadcasts=%d", len(ft.sent), len(ft.broadcasts))
	}
}

// ========== 显式设置活跃播放器 ==========

func TestSetActivePlayer(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	register(t, c, "conn-tv", 1, "tv-1", "电视")
	ft.reset()

	deviceID := "tv-1"
	msg := mustMessage(t, MsgTypeSetActivePlayer, &SetActivePlayerData{DeviceID: &deviceID})
	c.HandleMessage(context.Background(), "conn-phone", 1, msg)

	got := ft.broadcastsFor(1, MsgTypeActivePlayer)
	if len(got) != 1 {
		t.Fatalf("expected 1 activePlayer broadcast, got %d", len(got))
	}
	if id := decodeActivePlayer(t, &got[0].Msg); id == nil || *id != "tv-1" {
		t.Errorf("expected tv-1 active, got %v", id)
	}
	if active := c.ActivePlayer(1); active == nil || *active != "tv-1" {
		t.Errorf("arbiter not updated, got %v", active)
	}
}

func TestSetActivePlayerNullClears(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	ft.reset()

	msg := mustMessage(t, MsgTypeSetActivePlayer, &SetActivePlayerData{DeviceID: nil})
	c.HandleMessage(context.Background(), "conn-phone", 1, msg)

	got := ft.broadcastsFor(1, MsgTypeActivePlayer)
	if len(got) != 1 {
		t.Fatalf("expected 1 activePlayer broadcast, got %d", len(got))
	}
	if id := decodeActivePlayer(t, &got[0].Msg); id != nil {
		t.Errorf("expected null active player, got %v", *id)
	}
	if active := c.ActivePlayer(1); active != nil {
		t.Errorf("arbiter should be cleared, got %v", *active)
	}
}

func TestSetActivePlayerUnknownDeviceRejected(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	ft.reset()

	deviceID := "ghost"
	msg := mustMessage(t, MsgTypeSetActivePlayer, &SetActivePlayerData{DeviceID: &deviceID})
	c.HandleMessage(context.Background(), "conn-phone", 1, msg)

	if got := ft.sentTo("conn-phone", MsgTypeError); len(got) != 1 {
		t.Fatalf("expected error for unknown device, got %d messages", len(got))
	}
	if active := c.ActivePlayer(1); active == nil || *active != "phone-1" {
		t.Errorf("active player must be unchanged, got %v", active)
	}
}

func TestSetActivePlayerCrossUserRejected(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	register(t, c, "conn-other", 2, "other-1", "别人的设备")
	ft.reset()

	deviceID := "phone-1"
	msg := mustMessage(t, MsgTypeSetActivePlayer, &SetActivePlayerData{DeviceID: &deviceID})
	c.HandleMessage(context.Background(), "conn-other", 2, msg)

	if got := ft.sentTo("conn-other", MsgTypeError); len(got) != 1 {
		t.Fatalf("claiming another user's device must fail, got %d messages", len(got))
	}
	if active := c.ActivePlayer(2); active == nil || *active != "other-1" {
		t.Errorf("user 2's active player must be unchanged, got %v", active)
	}
}

// ========== 播放交接 ==========

func TestTransferPlayback(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	register(t, c, "conn-tv", 1, "tv-1", "电视")

	// 先让手机上报一个正在播放的状态作为交接快照来源
	state := mustMessage(t, MsgTypeState, &StateData{
		DeviceID:     "phone-1",
		IsPlaying:    true,
		CurrentTrack: &TrackInfo{ID: "t-9", Title: "交接曲", Duration: 240},
		CurrentTime:  63,
		Volume:       0.7,
	})
	c.HandleMessage(context.Background(), "conn-phone", 1, state)
	ft.reset()

	msg := mustMessage(t, MsgTypeTransfer, &TransferData{ToDeviceID: "tv-1", WithState: true})
	c.HandleMessage(context.Background(), "conn-phone", 1, msg)

	toTV := ft.sentTo("conn-tv", MsgTypeRemoteCommand)
	if len(toTV) != 1 {
		t.Fatalf("expected one transfer command to tv-1, got %d", len(toTV))
	}
	remote := decodeRemoteCommand(t, &toTV[0])
	if remote.Command != CmdTransferPlayback || remote.FromDeviceID != "phone-1" {
		t.Fatalf("unexpected transfer command: %+v", remote)
	}
	var snapshot TransferPayload
	if err := json.Unmarshal(remote.Payload, &snapshot); err != nil {
		t.Fatalf("decode transfer snapshot: %v", err)
	}
	if snapshot.CurrentTrack == nil || snapshot.CurrentTrack.ID != "t-9" || snapshot.CurrentTime != 63 {
		t.Errorf("snapshot does not match the source state: %+v", snapshot)
	}

	toPhone := ft.sentTo("conn-phone", MsgTypeRemoteCommand)
	if len(toPhone) != 1 {
		t.Fatalf("expected a pause command back to the source, got %d", len(toPhone))
	}
	pause := decodeRemoteCommand(t, &toPhone[0])
	if pause.Command != CmdPause || pause.FromDeviceID != "tv-1" {
		t.Errorf("unexpected pause command: %+v", pause)
	}
}

func TestTransferToMissingDeviceIsNoOp(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	ft.reset()

	msg := mustMessage(t, MsgTypeTransfer, &TransferData{ToDeviceID: "ghost", WithState: true})
	c.HandleMessage(context.Background(), "conn-phone", 1, msg)

	if len(ft.sent) != 0 {
		t.Errorf("transfer to a missing device is a no-op, got %d messages", len(ft.sent))
	}
}

func TestTransferTargetScopedToUser(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	register(t, c, "conn-other", 2, "other-1", "别人的设备")
	ft.reset()

	// 用户2交接到 "phone-1"：其他用户的同名设备不可寻址，
	// 等同交接到不存在的设备，按无操作处理
	msg := mustMessage(t, MsgTypeTransfer, &TransferData{ToDeviceID: "phone-1", WithState: false})
	c.HandleMessage(context.Background(), "conn-other", 2, msg)

	if got := ft.sentTo("conn-phone", MsgTypeRemoteCommand); len(got) != 0 {
		t.Fatalf("user 1's device must receive nothing, got %d messages", len(got))
	}
	if got := ft.sentTo("conn-other", MsgTypeRemoteCommand); len(got) != 0 {
		t.Error("sender must not be paused when the transfer is a no-op")
	}
}

// ========== 状态请求与设备列表 ==========

func TestRequestStateForwarded(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	register(t, c, "conn-tv", 1, "tv-1", "电视")
	ft.reset()

	msg := mustMessage(t, MsgTypeRequestState, &RequestStateData{DeviceID: "phone-1"})
	c.HandleMessage(context.Background(), "conn-tv", 1, msg)

	if got := ft.sentTo("conn-phone", MsgTypeStateRequest); len(got) != 1 {
		t.Fatalf("expected one state request to phone-1, got %d", len(got))
	}
}

func TestRequestStateUnknownTargetIsNoOp(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	ft.reset()

	msg := mustMessage(t, MsgTypeRequestState, &RequestStateData{DeviceID: "ghost"})
	c.HandleMessage(context.Background(), "conn-phone", 1, msg)

	if len(ft.sent) != 0 {
		t.Errorf("state request for an unknown device is a no-op, got %d messages", len(ft.sent))
	}
}

func TestDevicesListMarksCurrentDevice(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	register(t, c, "conn-tv", 1, "tv-1", "电视")
	ft.reset()

	c.HandleMessage(context.Background(), "conn-phone", 1, &WSMessage{Type: MsgTypeDevicesList})

	got := ft.sentTo("conn-phone", MsgTypeDevicesList)
	if len(got) != 1 {
		t.Fatalf("expected one devices list reply, got %d", len(got))
	}
	var devices []DeviceInfo
	if err := json.Unmarshal(got[0].Data, &devices); err != nil {
		t.Fatalf("decode devices list: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	for _, d := range devices {
		if d.DeviceID == "phone-1" && !d.IsCurrentDevice {
			t.Error("requesting device must be marked as current")
		}
		if d.DeviceID == "tv-1" && d.IsCurrentDevice {
			t.Error("other device must not be marked as current")
		}
	}
}

// ========== 断开与清扫 ==========

func TestDisconnectClearsActivePlayer(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	register(t, c, "conn-tv", 1, "tv-1", "电视")
	ft.reset()

	c.HandleDisconnect("conn-phone")

	if c.Registry().Count() != 1 {
		t.Fatalf("expected 1 remaining session, got %d", c.Registry().Count())
	}
	got := ft.broadcastsFor(1, MsgTypeActivePlayer)
	if len(got) != 1 {
		t.Fatalf("expected a null activePlayer broadcast, got %d", len(got))
	}
	if id := decodeActivePlayer(t, &got[0].Msg); id != nil {
		t.Errorf("active player must be null after its device disconnects, got %v", *id)
	}
	if len(ft.broadcastsFor(1, MsgTypeDevicesList)) != 1 {
		t.Error("devices list must be re-broadcast after a disconnect")
	}
}

func TestDisconnectOfNonActiveDeviceKeepsPointer(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	register(t, c, "conn-tv", 1, "tv-1", "电视")
	ft.reset()

	c.HandleDisconnect("conn-tv")

	if got := ft.broadcastsFor(1, MsgTypeActivePlayer); len(got) != 0 {
		t.Fatalf("disconnect of a non-active device must not touch the pointer, got %d broadcasts", len(got))
	}
	if active := c.ActivePlayer(1); active == nil || *active != "phone-1" {
		t.Errorf("active player must survive, got %v", active)
	}
}

func TestSweepEvictsStaleSessions(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")
	register(t, c, "conn-tv", 1, "tv-1", "电视")

	// 只有 tv 保持心跳
	c.Registry().Touch(1, "tv-1", time.Now().Add(4*time.Minute))
	ft.reset()

	evicted := c.sweepStale(time.Now().Add(5*time.Minute+time.Second), 5*time.Minute)
	if evicted != 1 {
		t.Fatalf("expected 1 evicted session, got %d", evicted)
	}
	if _, ok := c.Registry().Get(1, "phone-1"); ok {
		t.Error("stale phone-1 should be gone")
	}
	if _, ok := c.Registry().Get(1, "tv-1"); !ok {
		t.Error("fresh tv-1 should survive")
	}

	// phone-1 是活跃播放器，驱逐后指针清空并广播
	got := ft.broadcastsFor(1, MsgTypeActivePlayer)
	if len(got) != 1 {
		t.Fatalf("expected a null activePlayer broadcast after eviction, got %d", len(got))
	}
	if id := decodeActivePlayer(t, &got[0].Msg); id != nil {
		t.Errorf("pointer must be null after eviction, got %v", *id)
	}
	if len(ft.broadcastsFor(1, MsgTypeDevicesList)) != 1 {
		t.Error("devices list must be re-broadcast after eviction")
	}
}

func TestAnyInboundMessageCountsAsLiveness(t *testing.T) {
	c, ft := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")

	// 高频上报状态但从不发送心跳的设备不应被驱逐；
	// HandleMessage 内部用当前时间刷新 lastSeen
	state := mustMessage(t, MsgTypeState, &StateData{DeviceID: "phone-1", Volume: 0.5})
	c.HandleMessage(context.Background(), "conn-phone", 1, state)
	ft.reset()

	if evicted := c.sweepStale(time.Now().Add(4*time.Minute), 5*time.Minute); evicted != 0 {
		t.Fatalf("recently seen session must not be evicted, got %d", evicted)
	}
}

func TestHeartbeatScopedToOwnUser(t *testing.T) {
	c, _ := newTestCoordinator()
	register(t, c, "conn-u1", 1, "phone-1", "手机")
	register(t, c, "conn-u2", 2, "other-1", "别人的设备")

	before, _ := c.Registry().Get(1, "phone-1")

	// 用户2的心跳报的是用户1的设备ID，不能刷新用户1的会话
	hb := mustMessage(t, MsgTypeDeviceHeartbeat, &HeartbeatData{DeviceID: "phone-1"})
	c.HandleMessage(context.Background(), "conn-u2", 2, hb)

	after, ok := c.Registry().Get(1, "phone-1")
	if !ok {
		t.Fatal("user 1's session must survive")
	}
	if !after.LastSeen.Equal(before.LastSeen) {
		t.Errorf("user 1's lastSeen must be untouched: before=%v after=%v", before.LastSeen, after.LastSeen)
	}
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	c, _ := newTestCoordinator()
	register(t, c, "conn-phone", 1, "phone-1", "手机")

	hb := mustMessage(t, MsgTypeDeviceHeartbeat, &HeartbeatData{DeviceID: "phone-1"})
	c.HandleMessage(context.Background(), "conn-phone", 1, hb)

	session, _ := c.Registry().Get(1, "phone-1")
	if time.Since(session.LastSeen) > time.Second {
		t.Errorf("heartbeat should refresh lastSeen, got %v", session.LastSeen)
	}
}
