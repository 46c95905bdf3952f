package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存名/策略/来源字段，供拦截请求日志复用。
func RequestFields(cacheName, policy, source, method, url string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"cache":     cacheName,
		"policy":    policy,
		"source":    source,
		"method":    method,
		"url":       url,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 描述 install/activate 等生命周期事件的公共字段。
func LifecycleFields(event, cacheName, state string) logrus.Fields {
	return logrus.Fields{
		"action": event,
		"cache":  cacheName,
		"state":  state,
	}
}
