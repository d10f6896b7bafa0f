package call

// 来电提醒的平台策略表。原先 iOS/Android、前台/后台的分支散落在
// 各组件里，这里收敛成一张 (platform, appState) -> action 查表。

type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

type AppState string

const (
	AppForeground AppState = "foreground"
	AppBackground AppState = "background"
)

type RingAction string

const (
	RingFullScreen RingAction = "fullscreen" // 立即拉起全屏来电界面
	RingNotify     RingAction = "notify"     // 走系统通知路径，并标记已处理
)

var ringPolicy = map[Platform]map[AppState]RingAction{
	PlatformIOS: {
		AppForeground: RingFullScreen,
		AppBackground: RingNotify,
	},
	PlatformAndroid: {
		AppForeground: RingFullScreen,
		AppBackground: RingNotify,
	},
}

// RingPolicy 返回来电时应采取的提醒动作。未知组合回退到通知路径。
func RingPolicy(p Platform, st AppState) RingAction {
	if m, ok := ringPolicy[p]; ok {
		if a, ok := m[st]; ok {
			return a
		}
	}
	return RingNotify
}
