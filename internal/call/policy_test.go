package call

import "testing"

func TestRingPolicyTable(t *testing.T) {
	cases := []struct {
		platform Platform
		appState AppState
		want     RingAction
	}{
		{PlatformIOS, AppForeground, RingFullScreen},
		{PlatformIOS, AppBackground, RingNotify},
		{PlatformAndroid, AppForeground, RingFullScreen},
		{PlatformAndroid, AppBackground, RingNotify},
		{Platform("harmony"), AppForeground, RingNotify}, // 未知平台回退通知路径
	}
	for _, c := range cases {
		if got := RingPolicy(c.platform, c.appState); got != c.want {
			t.Errorf("RingPolicy(%s,%s)=%s want %s", c.platform, c.appState, got, c.want)
		}
	}
}
