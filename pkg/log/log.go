// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const time1Second = time.Second

var (
	_globalL, _globalP atomic.Value
	_globalLevel       zap.AtomicLevel
)

func init() {
	l, p := newStdLogger()

	_globalL.Store(l)
	_globalP.Store(p)
	_globalLevel = p.Level
}

// InitLogger 根据配置初始化一个 zap 日志器。
// 输出目标由 cfg.Stdout 和 cfg.File.Filename 共同决定，可同时生效。
func InitLogger(cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	var outputs []zapcore.WriteSyncer
	if cfg.Stdout {
		stdOut, _, err := zap.Open("stdout")
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, stdOut)
	}
	if len(cfg.File.Filename) > 0 {
		lg, err := initFileLog(&cfg.File)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, zapcore.AddSync(lg))
	}
	if len(outputs) == 0 {
		stdOut, _, err := zap.Open("stdout")
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, stdOut)
	}
	debugCfg := *cfg
	debugCfg.Level = "debug"
	return InitLoggerWithWriteSyncer(&debugCfg, zapcore.NewMultiWriteSyncer(outputs...), cfg.Level, opts...)
}

// InitTestLogger 初始化一个面向单元测试的日志器，输出会写入 testing.T。
func InitTestLogger(t zaptest.TestingT, cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	writer := newTestingWriter(t)
	zapOptions := []zap.Option{
		// Send zap errors to the same writer and mark the test as failed if
		// that happens.
		zap.ErrorOutput(writer.WithMarkFailed(true)),
	}
	opts = append(zapOptions, opts...)
	return InitLoggerWithWriteSyncer(cfg, writer, cfg.Level, opts...)
}

// InitLoggerWithWriteSyncer 基于给定的 WriteSyncer 初始化日志器。
// 该入口主要供 InitLogger / InitTestLogger 以及需要自定义输出的调用方使用。
func InitLoggerWithWriteSyncer(cfg *Config, output zapcore.WriteSyncer, level string, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	if level == "" {
		level = cfg.Level
	}
	lv := zap.NewAtomicLevel()
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, errors.New("initLoggerWithWriteSyncer UnmarshalText cfg.Level err:" + err.Error())
	}
	core := zapcore.NewCore(cfg.buildEncoder(), output, lv)
	opts = append(cfg.buildOptions(output), opts...)
	lg := zap.New(core, opts...)
	r := &ZapProperties{
		Core:   core,
		Syncer: output,
		Level:  lv,
	}
	return lg, r, nil
}

// initFileLog 初始化基于 lumberjack 的文件日志输出。
func initFileLog(cfg *FileLogConfig) (*lumberjack.Logger, error) {
	fullPath := cfg.Filename
	if cfg.RootPath != "" {
		fullPath = filepath.Join(cfg.RootPath, cfg.Filename)
	}
	if st, err := os.Stat(fullPath); err == nil {
		if st.IsDir() {
			return nil, errors.New("can't use directory as log file name")
		}
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = defaultLogMaxSize
	}

	return &lumberjack.Logger{
		Filename:   fullPath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxDays,
		LocalTime:  true,
	}, nil
}

func newStdLogger() (*zap.Logger, *ZapProperties) {
	conf := &Config{Level: "debug", Stdout: true, Format: "text", DisableStacktrace: true}
	lg, r, _ := InitLogger(conf, zap.AddCallerSkip(1))
	return lg, r
}

// L 返回全局 Logger，可通过 ReplaceGlobals 替换。
// 建议优先使用 Ctx(ctx)，以便自动携带上下文字段。
func L() *zap.Logger {
	return _globalL.Load().(*zap.Logger)
}

func prop() *ZapProperties {
	return _globalP.Load().(*ZapProperties)
}

// ReplaceGlobals 替换全局的 Logger 及其属性，需要在程序初始化阶段调用。
func ReplaceGlobals(logger *zap.Logger, props *ZapProperties) {
	_globalL.Store(logger)
	_globalP.Store(props)
	_globalLevel = props.Level
}

// Sync 刷新全局 Logger 中缓冲的日志条目。
func Sync() error {
	return L().Sync()
}

// Level 返回全局日志级别的 AtomicLevel。
func Level() zap.AtomicLevel {
	return _globalLevel
}
