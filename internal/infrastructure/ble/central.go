package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/infrastructure/config"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	dev, err := linux.NewDevice()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			return nil, fmt.Errorf("insufficient privileges for HCI access (try CAP_NET_ADMIN): %w", err)
		}
		return nil, err
	}
	return dev, nil
}

// Peripheral is one connected sensor. Subscribe delivers raw notification
// payloads; the slice is only valid for the duration of the callback.
type Peripheral interface {
	Subscribe(handler func(data []byte)) error
	Write(data []byte) error
	Disconnected() <-chan struct{}
	Disconnect() error
}

// Central owns the HCI adapter and hands out connections to sensors.
type Central interface {
	Connect(ctx context.Context, profile config.SensorProfile) (Peripheral, error)
	Stop() error
}

// HCICentral 基于 go-ble 的蓝牙中心实现. 进程内只允许一个实例持有适配器.
type HCICentral struct {
	mu     sync.Mutex
	device ble.Device
	logger *zap.Logger
}

// NewHCICentral 初始化蓝牙适配器
func NewHCICentral(logger *zap.Logger) (*HCICentral, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeFatal, "failed to initialize BLE adapter")
	}
	ble.SetDefaultDevice(dev)
	logger.Info("BLE adapter initialized")
	return &HCICentral{device: dev, logger: logger}, nil
}

// Connect 按 MAC 地址扫描并连接单个传感器, 然后发现其服务特征
func (c *HCICentral) Connect(ctx context.Context, profile config.SensorProfile) (Peripheral, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := strings.ToUpper(profile.Address)
	client, err := ble.Connect(ctx, func(a ble.Advertisement) bool {
		return strings.ToUpper(a.Addr().String()) == target
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTransient,
			fmt.Sprintf("failed to connect to %s", profile.Address))
	}

	p, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return nil, apperrors.Wrap(err, apperrors.CodeTransient, "failed to discover GATT profile")
	}

	notifyChar := findCharacteristic(p, profile.NotifyChar)
	if notifyChar == nil {
		client.CancelConnection()
		return nil, apperrors.NewFatal(
			fmt.Sprintf("notify characteristic %s not found on %s", profile.NotifyChar, profile.Address), nil)
	}

	var writeChar *ble.Characteristic
	if profile.WriteChar != "" {
		writeChar = findCharacteristic(p, profile.WriteChar)
		if writeChar == nil {
			client.CancelConnection()
			return nil, apperrors.NewFatal(
				fmt.Sprintf("write characteristic %s not found on %s", profile.WriteChar, profile.Address), nil)
		}
	}

	c.logger.Info("Sensor connected",
		zap.String("address", profile.Address),
		zap.String("role", string(profile.Role)),
	)
	return &blePeripheral{
		client:     client,
		notifyChar: notifyChar,
		writeChar:  writeChar,
	}, nil
}

// Stop 释放适配器
func (c *HCICentral) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return nil
	}
	err := c.device.Stop()
	c.device = nil
	return err
}

func findCharacteristic(p *ble.Profile, uuid string) *ble.Characteristic {
	want := ble.MustParse(uuid)
	for _, s := range p.Services {
		for _, char := range s.Characteristics {
			if char.UUID.Equal(want) {
				return char
			}
		}
	}
	return nil
}

type blePeripheral struct {
	client     ble.Client
	notifyChar *ble.Characteristic
	writeChar  *ble.Characteristic
}

func (p *blePeripheral) Subscribe(handler func(data []byte)) error {
	if err := p.client.Subscribe(p.notifyChar, false, handler); err != nil {
		return apperrors.Wrap(err, apperrors.CodeTransient, "failed to subscribe to notifications")
	}
	return nil
}

func (p *blePeripheral) Write(data []byte) error {
	if p.writeChar == nil {
		return apperrors.NewInvalidInput("sensor has no write characteristic")
	}
	if err := p.client.WriteCharacteristic(p.writeChar, data, false); err != nil {
		return apperrors.Wrap(err, apperrors.CodeTransient, "failed to write characteristic")
	}
	return nil
}

func (p *blePeripheral) Disconnected() <-chan struct{} {
	return p.client.Disconnected()
}

func (p *blePeripheral) Disconnect() error {
	return p.client.CancelConnection()
}
