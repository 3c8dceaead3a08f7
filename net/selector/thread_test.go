package selector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSelectorThreadStartStop 测试选择器线程的启动与停止幂等性
func TestSelectorThreadStartStop(t *testing.T) {
	st, err := NewSelectorThread(DefaultParams())
	require.NoError(t, err)

	require.False(t, st.IsStarted())
	require.True(t, st.Start())
	require.False(t, st.Start(), "重复启动应当返回false")
	require.True(t, st.IsStarted())

	require.True(t, st.Stop())
	require.False(t, st.Stop(), "重复停止应当返回false")
	require.False(t, st.IsStarted())
	require.NoError(t, st.LoopStatus(), "正常退出的循环状态应当为nil")
}

// TestSelectorThreadRestart 测试停止后的再次启动
func TestSelectorThreadRestart(t *testing.T) {
	st, err := NewSelectorThread(DefaultParams())
	require.NoError(t, err)
	require.True(t, st.Start())
	require.True(t, st.Stop())
	require.True(t, st.Start(), "停止后的线程应当可以再次启动")
	require.True(t, st.Stop())
}
