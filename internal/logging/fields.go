package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存版本/目的类型/响应来源字段，供代理请求日志复用。
func RequestFields(version, method, path, destination, source string, status int) logrus.Fields {
	return logrus.Fields{
		"cache_version": version,
		"method":        method,
		"path":          path,
		"destination":   destination,
		"cache_source":  source,
		"cache_hit":     source == "hit",
		"status":        status,
	}
}
