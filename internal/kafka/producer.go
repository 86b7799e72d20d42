package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lvdashuaibi/deliberate/config"
	"github.com/lvdashuaibi/deliberate/internal/model"
	"github.com/segmentio/kafka-go"
)

type Producer struct {
	writer         *kafka.Writer
	ctx            context.Context
	partitionCount int // 主题的分区数量
}

func NewProducer() (*Producer, error) {
	ctx := context.Background()

	// 获取分区数量
	conn, err := kafka.DialLeader(ctx, "tcp", config.AppConfig.Kafka.Brokers[0], config.AppConfig.Kafka.Topic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}

	topicPartitions := 0
	for _, p := range partitions {
		if p.Topic == config.AppConfig.Kafka.Topic {
			topicPartitions++
		}
	}

	log.Printf("生产者检测到Kafka主题 %s 有 %d 个分区", config.AppConfig.Kafka.Topic, topicPartitions)

	// 使用Hash分区器，基于消息Key进行分区路由
	writer := &kafka.Writer{
		Addr:     kafka.TCP(config.AppConfig.Kafka.Brokers...),
		Topic:    config.AppConfig.Kafka.Topic,
		Balancer: &kafka.Hash{}, // 使用基于消息Key的Hash分区器
	}

	return &Producer{
		writer:         writer,
		ctx:            ctx,
		partitionCount: topicPartitions,
	}, nil
}

// SendEngineEvent 发送引擎事件到Kafka
func (p *Producer) SendEngineEvent(event *model.EngineEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化引擎事件失败: %w", err)
	}

	// 使用议题ID作为分区key，确保同一议题的事件进入同一分区、保持顺序
	key := []byte(event.DeliberationID)
	if len(key) == 0 {
		key = []byte(event.CellID)
	}

	msg := kafka.Message{
		Key:   key,
		Value: data,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(p.ctx, msg); err != nil {
		return fmt.Errorf("发送引擎事件失败: %w", err)
	}

	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
